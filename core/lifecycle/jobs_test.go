package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fair_platform/core/dispatch"
	"fair_platform/core/schema"
	"fair_platform/core/store"
	"fair_platform/core/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func (env *testEnv) submit(t *testing.T) (schema.Model, schema.Training) {
	_, model := env.model(t)
	training, err := env.engine.SubmitTraining(context.Background(), store.TrainingParams{
		ModelId: model.Id, Epochs: 2, BatchSize: 4, ZoomLevel: []int{20, 19},
	}, testutil.Alice)
	require.NoError(t, err)
	return model, training
}

func (env *testEnv) requireStatuses(t *testing.T, model schema.Model, training schema.Training, modelStatus schema.ModelStatus, trainingStatus schema.TrainingStatus) (schema.Model, schema.Training) {
	ctx := context.Background()
	m, err := env.store.GetModel(ctx, model.Id)
	require.NoError(t, err)
	tr, err := env.store.GetTraining(ctx, training.Id)
	require.NoError(t, err)
	require.Equal(t, modelStatus, m.Status)
	require.Equal(t, trainingStatus, tr.Status)
	return m, tr
}

func TestSubmitTrainingSucceeds(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	model, training := env.submit(t)

	env.requireStatuses(t, model, training, schema.ModelTrainingRequested, schema.TrainingQueued)

	jobs := env.dispatcher.Trainings()
	require.Len(t, jobs, 1)
	assert.Equal(t, training.JobName(), jobs[0].JobName)
	assert.Equal(t, []int{19, 20}, jobs[0].ZoomLevel)
	assert.Equal(t, model.DatasetId, jobs[0].DatasetId)

	require.NoError(t, env.engine.OnJobStarted(ctx, training.JobName()))
	require.NoError(t, env.engine.OnJobStarted(ctx, training.JobName()))
	_, running := env.requireStatuses(t, model, training, schema.ModelTraining, schema.TrainingRunning)
	assert.NotNil(t, running.StartedAt)

	accuracy := 0.87
	require.NoError(t, env.engine.OnJobComplete(ctx, training.JobName(), dispatch.OutcomeSuccess, JobResult{Accuracy: &accuracy}))
	require.NoError(t, env.engine.OnJobComplete(ctx, training.JobName(), dispatch.OutcomeFailure, JobResult{}), "late callbacks are ignored")

	_, done := env.requireStatuses(t, model, training, schema.ModelTrained, schema.TrainingCompleted)
	require.NotNil(t, done.Accuracy)
	assert.InDelta(t, 0.87, *done.Accuracy, 1e-9)
	assert.NotNil(t, done.FinishedAt)

	records, err := env.store.ListDispatches(ctx, training.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schema.DispatchSucceeded, records[0].State)
	assert.Nil(t, records[0].ActiveTrainingId)
}

func TestCompleteWhileQueuedPassesThroughRunning(t *testing.T) {
	env := setupEngine(t)
	model, training := env.submit(t)

	require.NoError(t, env.engine.OnJobComplete(context.Background(), training.JobName(), dispatch.OutcomeFailure, JobResult{Details: "oom"}))
	env.requireStatuses(t, model, training, schema.ModelFailed, schema.TrainingFailed)

	var path []string
	for _, e := range env.events.Events() {
		if e.Kind == string(schema.KindTraining) {
			path = append(path, e.From+"->"+e.To)
		}
	}
	assert.Equal(t, []string{"QUEUED->RUNNING", "RUNNING->FAILED"}, path)
}

func TestDirectTrainingTransitionsFollowJobs(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	model, training := env.submit(t)
	require.NoError(t, env.engine.OnJobStarted(ctx, training.JobName()))

	_, err := env.engine.Transition(ctx, schema.KindTraining, training.Id, string(schema.TrainingFailed), testutil.Alice)
	require.NoError(t, err)
	env.requireStatuses(t, model, training, schema.ModelFailed, schema.TrainingFailed)
	assert.Equal(t, []string{training.JobName()}, env.dispatcher.Stopped())

	records, err := env.store.ListDispatches(ctx, training.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schema.DispatchFailed, records[0].State)
	assert.Nil(t, records[0].ActiveTrainingId)

	requeued, err := env.engine.Requeue(ctx, training.Id, testutil.Alice, 3)
	require.NoError(t, err, "the failed job no longer holds the dispatch slot")
	require.NoError(t, env.engine.OnJobComplete(ctx, requeued.JobName(), dispatch.OutcomeFailure, JobResult{}))

	entity, err := env.engine.Transition(ctx, schema.KindTraining, training.Id, string(schema.TrainingQueued), testutil.Alice)
	require.NoError(t, err)
	queued := entity.(schema.Training)
	assert.Equal(t, 2, queued.RetryCount)
	env.requireStatuses(t, model, training, schema.ModelTrainingRequested, schema.TrainingQueued)

	jobs := env.dispatcher.Trainings()
	require.Len(t, jobs, 3)
	assert.Equal(t, queued.JobName(), jobs[2].JobName)

	records, err = env.store.ListDispatches(ctx, training.Id)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, schema.DispatchDispatched, records[2].State)

	_, err = env.engine.Transition(ctx, schema.KindTraining, training.Id, string(schema.TrainingRunning), testutil.Alice)
	require.NoError(t, err)
	_, err = env.engine.Transition(ctx, schema.KindTraining, training.Id, string(schema.TrainingCompleted), testutil.Alice)
	require.NoError(t, err)
	env.requireStatuses(t, model, training, schema.ModelTrained, schema.TrainingCompleted)

	records, err = env.store.ListDispatches(ctx, training.Id)
	require.NoError(t, err)
	assert.Equal(t, schema.DispatchSucceeded, records[2].State)
	assert.Equal(t, []string{training.JobName(), queued.JobName()}, env.dispatcher.Stopped())

	require.NoError(t, env.engine.OnJobComplete(ctx, queued.JobName(), dispatch.OutcomeFailure, JobResult{}), "the stopped job reporting late is ignored")
	env.requireStatuses(t, model, training, schema.ModelTrained, schema.TrainingCompleted)
}

func TestConcurrentTrainingStartRace(t *testing.T) {
	env := setupEngine(t)
	model, training := env.submit(t)

	const racers = 8
	errs := make([]error, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.Transition(context.Background(), schema.KindTraining, training.Id, string(schema.TrainingRunning), testutil.Alice)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, schema.ErrIllegalTransition), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)
	env.requireStatuses(t, model, training, schema.ModelTraining, schema.TrainingRunning)

	started := 0
	for _, e := range env.events.Events() {
		if e.Kind == string(schema.KindTraining) && e.To == string(schema.TrainingRunning) {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestSubmitTrainingRejectsBusyModel(t *testing.T) {
	env := setupEngine(t)
	model, _ := env.submit(t)

	_, err := env.engine.SubmitTraining(context.Background(), store.TrainingParams{
		ModelId: model.Id, Epochs: 1, BatchSize: 1, ZoomLevel: []int{19},
	}, testutil.Alice)
	assert.ErrorIs(t, err, schema.ErrIllegalTransition)

	trainings, err := env.store.ListTrainings(context.Background(), model.Id)
	require.NoError(t, err)
	assert.Len(t, trainings, 1, "rejected submission leaves no training behind")
}

func TestRequeueBudget(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	model, training := env.submit(t)

	require.NoError(t, env.engine.OnJobComplete(ctx, training.JobName(), dispatch.OutcomeFailure, JobResult{}))

	_, err := env.engine.Requeue(ctx, training.Id, testutil.Bob, 3)
	assert.ErrorIs(t, err, schema.ErrForbidden)

	requeued, err := env.engine.Requeue(ctx, training.Id, testutil.Alice, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Equal(t, schema.TrainingQueued, requeued.Status)
	assert.Nil(t, requeued.FinishedAt)
	env.requireStatuses(t, model, training, schema.ModelTrainingRequested, schema.TrainingQueued)

	jobs := env.dispatcher.Trainings()
	require.Len(t, jobs, 2)
	assert.Equal(t, requeued.JobName(), jobs[1].JobName)
	assert.NotEqual(t, training.JobName(), requeued.JobName())

	require.NoError(t, env.engine.OnJobComplete(ctx, requeued.JobName(), dispatch.OutcomeFailure, JobResult{}))

	_, err = env.engine.Requeue(ctx, training.Id, testutil.Alice, 1)
	assert.ErrorIs(t, err, schema.ErrFieldConstraintViolation)
	env.requireStatuses(t, model, training, schema.ModelFailed, schema.TrainingFailed)
}

func TestDispatchUnavailable(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	_, model := env.model(t)

	env.dispatcher.SetUnavailable(true)
	training, err := env.engine.SubmitTraining(ctx, store.TrainingParams{ModelId: model.Id, Epochs: 1, BatchSize: 1, ZoomLevel: []int{21}}, testutil.Alice)
	assert.ErrorIs(t, err, schema.ErrDispatchUnavailable)
	assert.Equal(t, schema.TrainingQueued, training.Status)

	records, err := env.store.ListDispatches(ctx, training.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, schema.DispatchPending, records[0].State)

	env.dispatcher.SetUnavailable(false)
	env.engine.statusSync(ctx)

	records, err = env.store.ListDispatches(ctx, training.Id)
	require.NoError(t, err)
	assert.Equal(t, schema.DispatchDispatched, records[0].State)
	assert.Len(t, env.dispatcher.Trainings(), 1)
}

func TestJobStatusSyncFailsLostJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	env := setupEngine(t)
	model, training := env.submit(t)
	require.NoError(t, env.engine.OnJobStarted(context.Background(), training.JobName()))

	require.NoError(t, env.dispatcher.StopJob(context.Background(), training.JobName()))

	go env.engine.JobStatusSync(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		tr, err := env.store.GetTraining(context.Background(), training.Id)
		return err == nil && tr.Status == schema.TrainingFailed
	}, 5*time.Second, 20*time.Millisecond)

	env.engine.StopJobStatusSync()

	env.requireStatuses(t, model, training, schema.ModelFailed, schema.TrainingFailed)
}

func TestStatusSyncSettlesFinishedJobs(t *testing.T) {
	env := setupEngine(t)
	model, training := env.submit(t)

	env.dispatcher.SetStatus(training.JobName(), dispatch.StatusRunning)
	env.engine.statusSync(context.Background())
	env.requireStatuses(t, model, training, schema.ModelTrainingRequested, schema.TrainingQueued)

	env.dispatcher.SetStatus(training.JobName(), dispatch.StatusSucceeded)
	env.engine.statusSync(context.Background())
	env.requireStatuses(t, model, training, schema.ModelTrained, schema.TrainingCompleted)
}
