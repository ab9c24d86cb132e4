package services_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"fair_platform/core/dispatch"
	"fair_platform/core/feedback"
	"fair_platform/core/schema"
	"fair_platform/core/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)
	anon := env.client("")

	var health struct {
		Status         string `json:"status"`
		DiskTotalBytes uint64 `json:"disk_total_bytes"`
	}
	require.NoError(t, anon.Get("/health").Do(&health))
	assert.Equal(t, "ok", health.Status)
	assert.NotZero(t, health.DiskTotalBytes)
}

func TestDatasetCrud(t *testing.T) {
	env := setupTestEnv(t)
	anon, alice, bob := env.client(""), env.client("alice"), env.client("bob")

	err := anon.Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(nil)
	assert.Equal(t, http.StatusUnauthorized, statusOf(err))

	err = env.client("forged").Get("/dataset").Do(nil)
	assert.Equal(t, http.StatusUnauthorized, statusOf(err))

	err = env.client("unbound").Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(nil)
	assert.Equal(t, http.StatusUnauthorized, statusOf(err), "writes need an osm identity")

	var dataset schema.Dataset
	require.NoError(t, alice.Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(&dataset))
	assert.Equal(t, schema.DatasetDraft, dataset.Status)
	assert.Equal(t, testutil.Alice.Id, dataset.CreatedBy)

	var datasets []schema.Dataset
	require.NoError(t, anon.Get("/dataset").Do(&datasets))
	require.Len(t, datasets, 1)

	endpoint := fmt.Sprintf("/dataset/%v", dataset.Id)

	err = bob.Patch(endpoint).Json(map[string]string{"name": "stolen"}).Do(nil)
	assert.Equal(t, http.StatusForbidden, statusOf(err))

	var renamed schema.Dataset
	require.NoError(t, alice.Patch(endpoint).Json(map[string]string{"name": "houses"}).Do(&renamed))
	assert.Equal(t, "houses", renamed.Name)

	err = alice.Post("/dataset").Json(map[string]interface{}{"name": "x", "unknown": 1}).Do(nil)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))

	err = bob.Delete(endpoint).Do(nil)
	assert.Equal(t, http.StatusForbidden, statusOf(err))

	require.NoError(t, alice.Delete(endpoint).Do(nil))
	err = anon.Get(endpoint).Do(nil)
	assert.Equal(t, http.StatusNotFound, statusOf(err))

	err = anon.Get("/dataset/not-a-uuid").Do(nil)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))
}

func TestCreateWithDanglingParent(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.client("alice")

	err := alice.Post("/aoi").Json(map[string]string{"dataset": "7d444840-9dc0-11d1-b245-5ffdce74fad2"}).Do(nil)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))
}

func TestTransitions(t *testing.T) {
	env := setupTestEnv(t)
	alice, bob := env.client("alice"), env.client("bob")

	var dataset schema.Dataset
	require.NoError(t, alice.Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(&dataset))

	move := func(c client, status string) error {
		return c.Post("/transition").Json(map[string]string{"kind": "dataset", "id": dataset.Id.String(), "status": status}).Do(&dataset)
	}

	assert.Equal(t, http.StatusConflict, statusOf(move(alice, "READY")))
	assert.Equal(t, http.StatusBadRequest, statusOf(move(alice, "SHINY")))
	assert.Equal(t, http.StatusForbidden, statusOf(move(bob, "UPLOADING")))

	require.NoError(t, move(alice, "UPLOADING"))
	assert.Equal(t, schema.DatasetUploading, dataset.Status)
	assert.Equal(t, http.StatusBadRequest, statusOf(move(alice, "READY")), "a ready dataset needs an aoi")

	err := alice.Post("/transition").Json(map[string]string{"kind": "planet", "id": dataset.Id.String(), "status": "READY"}).Do(nil)
	assert.Equal(t, http.StatusBadRequest, statusOf(err))

	var successors struct {
		Successors []string `json:"successors"`
		Terminal   bool     `json:"terminal"`
	}
	require.NoError(t, alice.Get("/transition/dataset/READY").Do(&successors))
	assert.ElementsMatch(t, []string{"ARCHIVED", "DRAFT"}, successors.Successors)
	require.NoError(t, alice.Get("/transition/dataset/ARCHIVED").Do(&successors))
	assert.True(t, successors.Terminal)
}

func TestTrainingAndFeedbackFlow(t *testing.T) {
	env := setupTestEnv(t)
	alice, bob := env.client("alice"), env.client("bob")

	var dataset schema.Dataset
	require.NoError(t, alice.Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(&dataset))
	require.NoError(t, alice.Post("/aoi").Json(map[string]interface{}{"dataset": dataset.Id}).Do(nil))

	var model schema.Model
	require.NoError(t, alice.Post("/model").Json(map[string]interface{}{"dataset": dataset.Id, "name": "ramp"}).Do(&model))

	var training schema.Training
	params := map[string]interface{}{"model": model.Id, "epochs": 2, "batch_size": 4, "zoom_level": []int{19, 20}}
	require.NoError(t, alice.Post("/training").Json(params).Do(&training))
	assert.Equal(t, schema.TrainingQueued, training.Status)

	err := alice.Post("/training").Json(params).Do(nil)
	assert.Equal(t, http.StatusConflict, statusOf(err), "the model already has a training requested")

	err = alice.Delete(fmt.Sprintf("/model/%v", model.Id)).Do(nil)
	assert.Equal(t, http.StatusConflict, statusOf(err))
	err = alice.Delete(fmt.Sprintf("/training/%v", training.Id)).Do(nil)
	assert.Equal(t, http.StatusConflict, statusOf(err))

	jobs := env.dispatcher.Trainings()
	require.Len(t, jobs, 1)
	jobName := jobs[0].JobName

	err = newHttpTestRequest(env.api, http.MethodPost, "/job/started").Do(nil)
	assert.Equal(t, http.StatusUnauthorized, statusOf(err))

	require.NoError(t, env.jobCallback(jobName, "/job/started", nil))
	require.NoError(t, env.jobCallback(jobName, "/job/complete", map[string]interface{}{"outcome": "SUCCESS", "accuracy": 0.91}))
	require.NoError(t, env.jobCallback(jobName, "/job/complete", map[string]interface{}{"outcome": "FAILURE"}), "late callbacks are ignored")

	trainingEndpoint := fmt.Sprintf("/training/%v", training.Id)
	require.NoError(t, alice.Get(trainingEndpoint).Do(&training))
	assert.Equal(t, schema.TrainingCompleted, training.Status)
	require.NotNil(t, training.Accuracy)
	assert.InDelta(t, 0.91, *training.Accuracy, 1e-9)

	require.NoError(t, alice.Get(fmt.Sprintf("/model/%v", model.Id)).Do(&model))
	assert.Equal(t, schema.ModelTrained, model.Status)

	var evaluation struct {
		Ready bool                      `json:"ready"`
		Batch *feedback.CorrectionBatch `json:"batch"`
	}
	require.NoError(t, alice.Get(trainingEndpoint+"/feedback/evaluate").Do(&evaluation))
	assert.False(t, evaluation.Ready)

	err = alice.Post(trainingEndpoint + "/feedback/commit").Do(nil)
	assert.Equal(t, http.StatusConflict, statusOf(err))

	require.NoError(t, bob.Post("/feedback").Json(map[string]interface{}{"training": training.Id, "feedback_type": "FP"}).Do(nil))

	var aoi schema.FeedbackAOI
	require.NoError(t, bob.Post("/feedback-aoi").Json(map[string]interface{}{"training": training.Id}).Do(&aoi))
	require.NoError(t, bob.Post("/feedback-label").Json(map[string]interface{}{"feedback_aoi": aoi.Id, "tags": map[string]string{"building": "yes"}}).Do(nil))
	for _, status := range []string{"DOWNLOADING", "DOWNLOADED", "LABELED"} {
		require.NoError(t, bob.Post("/transition").Json(map[string]string{"kind": "feedback_aoi", "id": aoi.Id.String(), "status": status}).Do(nil))
	}

	var labels []schema.FeedbackLabel
	require.NoError(t, bob.Get(fmt.Sprintf("/feedback-aoi/%v/label", aoi.Id)).Do(&labels))
	require.Len(t, labels, 1)
	assert.Equal(t, "yes", labels[0].Tags["building"])

	require.NoError(t, alice.Get(trainingEndpoint+"/feedback/evaluate").Do(&evaluation))
	require.True(t, evaluation.Ready)
	assert.Equal(t, 1, evaluation.Batch.LabelCount)

	err = bob.Post(trainingEndpoint + "/feedback/commit").Do(nil)
	assert.Equal(t, http.StatusForbidden, statusOf(err), "only the owners of the training commit its feedback")

	var ticket feedback.DispatchTicket
	require.NoError(t, alice.Post(trainingEndpoint+"/feedback/commit").Do(&ticket))
	assert.Equal(t, schema.DispatchDispatched, ticket.State)

	var again feedback.DispatchTicket
	require.NoError(t, alice.Post(trainingEndpoint+"/feedback/commit").Do(&again))
	assert.Equal(t, ticket.Ticket, again.Ticket)

	require.NoError(t, env.jobCallback(ticket.JobName, "/job/complete", map[string]interface{}{"outcome": "SUCCESS", "details": "retrained"}))
	require.NoError(t, alice.Get(fmt.Sprintf("/correction/%v", ticket.Ticket)).Do(&ticket))
	assert.Equal(t, schema.DispatchSucceeded, ticket.State)

	var repeat feedback.DispatchTicket
	require.NoError(t, alice.Post(trainingEndpoint+"/feedback/commit").Do(&repeat))
	assert.Equal(t, ticket.Ticket, repeat.Ticket, "the same feedback is not corrected twice")
	assert.Len(t, env.dispatcher.Corrections(), 1)

	var records []schema.DispatchRecord
	require.NoError(t, alice.Get(trainingEndpoint+"/dispatches").Do(&records))
	assert.Len(t, records, 2)
}

func TestSubmitWhileDispatcherDown(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.client("alice")

	var dataset schema.Dataset
	require.NoError(t, alice.Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(&dataset))
	var model schema.Model
	require.NoError(t, alice.Post("/model").Json(map[string]interface{}{"dataset": dataset.Id, "name": "ramp"}).Do(&model))

	env.dispatcher.SetUnavailable(true)

	var training schema.Training
	require.NoError(t, alice.Post("/training").Json(map[string]interface{}{"model": model.Id, "epochs": 1, "batch_size": 1, "zoom_level": []int{19}}).Do(&training))
	assert.Equal(t, schema.TrainingQueued, training.Status)
	assert.Empty(t, env.dispatcher.Trainings())
}

func TestRequeue(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.client("alice")

	var dataset schema.Dataset
	require.NoError(t, alice.Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(&dataset))
	var model schema.Model
	require.NoError(t, alice.Post("/model").Json(map[string]interface{}{"dataset": dataset.Id, "name": "ramp"}).Do(&model))
	var training schema.Training
	require.NoError(t, alice.Post("/training").Json(map[string]interface{}{"model": model.Id, "epochs": 1, "batch_size": 1, "zoom_level": []int{19}}).Do(&training))

	requeue := fmt.Sprintf("/training/%v/requeue", training.Id)
	assert.Equal(t, http.StatusConflict, statusOf(alice.Post(requeue).Do(nil)), "only failed trainings are requeued")

	for i := 0; i < 2; i++ {
		jobs := env.dispatcher.Trainings()
		require.NoError(t, env.jobCallback(jobs[len(jobs)-1].JobName, "/job/complete", map[string]interface{}{"outcome": "FAILURE"}))
		require.NoError(t, alice.Post(requeue).Do(&training))
		assert.Equal(t, i+1, training.RetryCount)
	}

	jobs := env.dispatcher.Trainings()
	require.NoError(t, env.jobCallback(jobs[len(jobs)-1].JobName, "/job/complete", map[string]interface{}{"outcome": "FAILURE"}))
	assert.Equal(t, http.StatusBadRequest, statusOf(alice.Post(requeue).Do(nil)), "the retry budget is spent")
}

func TestAdminStaff(t *testing.T) {
	env := setupTestEnv(t)
	alice, admin := env.client("alice"), env.client("admin")

	var me schema.OsmUser
	require.NoError(t, admin.Get("/user/me").Do(&me))
	assert.Equal(t, testutil.Admin.Id, me.OsmId)
	require.NoError(t, env.store.SetStaff(context.Background(), testutil.Admin.Id, true))

	require.NoError(t, alice.Get("/user/me").Do(nil))
	assert.Equal(t, http.StatusUnauthorized, statusOf(env.client("").Get("/user/me").Do(nil)))
	assert.Equal(t, http.StatusNotImplemented, statusOf(env.client("").Get("/user/login").Do(nil)), "the test provider has no login flow")

	endpoint := fmt.Sprintf("/user/%d/staff", testutil.Alice.Id)
	err := alice.Post(endpoint).Json(map[string]bool{"is_staff": true}).Do(nil)
	assert.Equal(t, http.StatusForbidden, statusOf(err))

	require.NoError(t, admin.Post(endpoint).Json(map[string]bool{"is_staff": true}).Do(nil))
	require.NoError(t, alice.Get("/user/me").Do(&me))
	assert.True(t, me.IsStaff)

	err = admin.Post("/user/999/staff").Json(map[string]bool{"is_staff": true}).Do(nil)
	assert.Equal(t, http.StatusNotFound, statusOf(err))
}

func TestJobCallbackValidation(t *testing.T) {
	env := setupTestEnv(t)

	err := env.jobCallback("train-unknown-0", "/job/complete", map[string]interface{}{"outcome": "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, statusOf(err))

	err = env.jobCallback("train-unknown-0", "/job/complete", map[string]interface{}{"outcome": string(dispatch.OutcomeSuccess)})
	assert.Equal(t, http.StatusNotFound, statusOf(err))
}

func TestTrainingLogsAndCleanup(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.client("alice")

	var dataset schema.Dataset
	require.NoError(t, alice.Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(&dataset))
	var model schema.Model
	require.NoError(t, alice.Post("/model").Json(map[string]interface{}{"dataset": dataset.Id, "name": "ramp"}).Do(&model))
	var training schema.Training
	require.NoError(t, alice.Post("/training").Json(map[string]interface{}{"model": model.Id, "epochs": 1, "batch_size": 1, "zoom_level": []int{19}}).Do(&training))

	jobs := env.dispatcher.Trainings()
	require.Len(t, jobs, 1)
	jobName := jobs[0].JobName

	endpoint := fmt.Sprintf("/training/%v", training.Id)

	getLogs := func(query string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		env.api.ServeHTTP(w, httptest.NewRequest(http.MethodGet, endpoint+"/logs"+query, nil))
		return w
	}

	assert.Equal(t, http.StatusNotFound, getLogs("").Code, "the job has not written a log yet")

	logPath := filepath.Join("jobs", jobName, "output", "train.log")
	require.NoError(t, env.storage.Write(logPath, strings.NewReader("epoch 1/1 loss=0.42\n")))

	w := getLogs("")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "epoch 1/1 loss=0.42\n", w.Body.String())

	assert.Equal(t, http.StatusNotFound, getLogs("?job=other-job").Code)
	assert.Equal(t, http.StatusOK, getLogs("?job="+jobName).Code)

	assert.Equal(t, http.StatusConflict, statusOf(alice.Delete(endpoint).Do(nil)), "running trainings are not deleted")

	require.NoError(t, env.jobCallback(jobName, "/job/complete", map[string]interface{}{"outcome": "FAILURE"}))
	require.NoError(t, alice.Delete(endpoint).Do(nil))

	exists, err := env.storage.Exists(filepath.Join("jobs", jobName))
	require.NoError(t, err)
	assert.False(t, exists, "job files are removed with the training")
}

func TestDatasetDeleteStopsJobs(t *testing.T) {
	env := setupTestEnv(t)
	alice, bob := env.client("alice"), env.client("bob")

	var dataset schema.Dataset
	require.NoError(t, alice.Post("/dataset").Json(map[string]string{"name": "buildings"}).Do(&dataset))
	var model schema.Model
	require.NoError(t, alice.Post("/model").Json(map[string]interface{}{"dataset": dataset.Id, "name": "ramp"}).Do(&model))
	var training schema.Training
	require.NoError(t, alice.Post("/training").Json(map[string]interface{}{"model": model.Id, "epochs": 1, "batch_size": 1, "zoom_level": []int{19}}).Do(&training))

	jobs := env.dispatcher.Trainings()
	require.Len(t, jobs, 1)
	trainJob := jobs[0].JobName
	require.NoError(t, env.jobCallback(trainJob, "/job/started", nil))

	datasetEndpoint := fmt.Sprintf("/dataset/%v", dataset.Id)
	err := alice.Delete(datasetEndpoint).Do(nil)
	assert.Equal(t, http.StatusConflict, statusOf(err), "datasets with a running training are not deleted")

	require.NoError(t, env.jobCallback(trainJob, "/job/complete", map[string]interface{}{"outcome": "SUCCESS", "accuracy": 0.8}))
	require.NoError(t, env.storage.Write(filepath.Join("jobs", trainJob, "output", "train.log"), strings.NewReader("done\n")))

	trainingEndpoint := fmt.Sprintf("/training/%v", training.Id)
	require.NoError(t, bob.Post("/feedback").Json(map[string]interface{}{"training": training.Id, "feedback_type": "FP"}).Do(nil))
	var aoi schema.FeedbackAOI
	require.NoError(t, bob.Post("/feedback-aoi").Json(map[string]interface{}{"training": training.Id}).Do(&aoi))
	require.NoError(t, bob.Post("/feedback-label").Json(map[string]interface{}{"feedback_aoi": aoi.Id, "tags": map[string]string{"building": "yes"}}).Do(nil))
	for _, status := range []string{"DOWNLOADING", "DOWNLOADED", "LABELED"} {
		require.NoError(t, bob.Post("/transition").Json(map[string]string{"kind": "feedback_aoi", "id": aoi.Id.String(), "status": status}).Do(nil))
	}

	var ticket feedback.DispatchTicket
	require.NoError(t, alice.Post(trainingEndpoint+"/feedback/commit").Do(&ticket))
	require.Equal(t, schema.DispatchDispatched, ticket.State)

	require.NoError(t, alice.Delete(datasetEndpoint).Do(nil))

	assert.Equal(t, []string{ticket.JobName}, env.dispatcher.Stopped(), "only the correction was still in flight")
	assert.Equal(t, http.StatusNotFound, statusOf(alice.Get(trainingEndpoint).Do(nil)))
	assert.Equal(t, http.StatusNotFound, statusOf(alice.Get(fmt.Sprintf("/correction/%v", ticket.Ticket)).Do(nil)))

	exists, err := env.storage.Exists(filepath.Join("jobs", trainJob))
	require.NoError(t, err)
	assert.False(t, exists, "job files are removed with the dataset")
}
