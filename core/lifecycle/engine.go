package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fair_platform/core/dispatch"
	"fair_platform/core/events"
	"fair_platform/core/schema"
	"fair_platform/core/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CorrectionHandler settles correction jobs reported back through the job
// callbacks.
type CorrectionHandler interface {
	Complete(ctx context.Context, ticket uuid.UUID, outcome dispatch.Outcome, details string) error
}

type Options struct {
	// Defaults to OwnerOrAdmin.
	Policy      Policy
	Publisher   events.Publisher
	Corrections CorrectionHandler
}

// Engine is the only component that moves entities between states.
type Engine struct {
	store       *store.Store
	dispatcher  dispatch.Dispatcher
	policy      Policy
	publisher   events.Publisher
	corrections CorrectionHandler

	stop chan bool
}

func New(store *store.Store, dispatcher dispatch.Dispatcher, opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = OwnerOrAdmin{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewNoopPublisher()
	}
	return &Engine{
		store:       store,
		dispatcher:  dispatcher,
		policy:      opts.Policy,
		publisher:   opts.Publisher,
		corrections: opts.Corrections,
		stop:        make(chan bool, 1),
	}
}

type change struct {
	kind  schema.Kind
	id    uuid.UUID
	from  string
	to    string
	actor int64
}

type stepOptions struct {
	extra map[string]interface{}
	guard func(txn *gorm.DB) error
}

// step applies one transition inside txn: load, successor check, authorize,
// invariants, then the conditional write.
func (e *Engine) step(ctx context.Context, txn *gorm.DB, kind schema.Kind, id uuid.UUID, target string, actor schema.Principal, opts stepOptions) (change, error) {
	m, err := machineFor(kind)
	if err != nil {
		return change{}, err
	}
	if !m.valid(target) {
		return change{}, schema.FieldViolation("status", fmt.Sprintf("'%v' is not a valid %v status", target, kind))
	}

	from, err := store.CurrentStatus(schema.ForUpdate(txn), kind, id)
	if err != nil {
		return change{}, err
	}
	if !m.allows(from, target) {
		return change{}, schema.IllegalTransition(kind, from, target)
	}

	resource, err := e.resource(txn, kind, id)
	if err != nil {
		return change{}, err
	}
	if err := e.policy.Authorize(ctx, actor, resource); err != nil {
		return change{}, err
	}

	if err := checkInvariants(txn, kind, id, target); err != nil {
		return change{}, err
	}
	if opts.guard != nil {
		if err := opts.guard(txn); err != nil {
			return change{}, err
		}
	}

	updates := sideEffects(kind, from, target)
	for k, v := range opts.extra {
		updates[k] = v
	}
	if err := store.CompareAndSwapStatus(txn, kind, id, from, target, updates); err != nil {
		return change{}, err
	}

	return change{kind: kind, id: id, from: from, to: target, actor: actor.Id}, nil
}

// sideEffects lists the columns that change together with the status.
func sideEffects(kind schema.Kind, from, to string) map[string]interface{} {
	now := time.Now().UTC()
	updates := map[string]interface{}{}

	switch kind {
	case schema.KindTraining:
		switch schema.TrainingStatus(to) {
		case schema.TrainingRunning:
			updates["started_at"] = now
		case schema.TrainingCompleted, schema.TrainingFailed:
			updates["finished_at"] = now
		case schema.TrainingQueued:
			updates["retry_count"] = gorm.Expr("retry_count + ?", 1)
			updates["started_at"] = nil
			updates["finished_at"] = nil
			updates["accuracy"] = nil
		}
	case schema.KindAOI, schema.KindFeedbackAOI:
		if schema.DownloadStatus(to) == schema.Downloaded {
			updates["label_fetched"] = now
		}
	}

	return updates
}

func (e *Engine) resource(txn *gorm.DB, kind schema.Kind, id uuid.UUID) (Resource, error) {
	resource := Resource{Kind: kind, Id: id}

	switch kind {
	case schema.KindDataset:
		dataset, err := schema.GetDataset(id, txn)
		if err != nil {
			return resource, err
		}
		resource.Owners = []int64{dataset.CreatedBy}
	case schema.KindAOI:
		dataset, err := store.DatasetOf(txn, kind, id)
		if err != nil {
			return resource, err
		}
		resource.Owners = []int64{dataset.CreatedBy}
	case schema.KindModel:
		model, err := schema.GetModel(id, txn)
		if err != nil {
			return resource, err
		}
		resource.Owners = []int64{model.CreatedBy}
	case schema.KindTraining:
		training, err := schema.GetTraining(id, txn)
		if err != nil {
			return resource, err
		}
		model, err := schema.GetModel(training.ModelId, txn)
		if err != nil {
			return resource, err
		}
		resource.Owners = []int64{training.CreatedBy, model.CreatedBy}
	case schema.KindFeedbackAOI:
		aoi, err := schema.GetFeedbackAOI(id, txn)
		if err != nil {
			return resource, err
		}
		training, err := schema.GetTraining(aoi.TrainingId, txn)
		if err != nil {
			return resource, err
		}
		resource.Owners = []int64{aoi.UserId, training.CreatedBy}
	case schema.KindFeedback:
		feedback, err := schema.GetFeedback(id, txn)
		if err != nil {
			return resource, err
		}
		training, err := schema.GetTraining(feedback.TrainingId, txn)
		if err != nil {
			return resource, err
		}
		resource.Owners = []int64{feedback.UserId, training.CreatedBy}
	case schema.KindFeedbackLabel:
		label, err := schema.GetFeedbackLabel(id, txn)
		if err != nil {
			return resource, err
		}
		aoi, err := schema.GetFeedbackAOI(label.FeedbackAoiId, txn)
		if err != nil {
			return resource, err
		}
		training, err := schema.GetTraining(aoi.TrainingId, txn)
		if err != nil {
			return resource, err
		}
		resource.Owners = []int64{aoi.UserId, training.CreatedBy}
	}

	return resource, nil
}

// Authorize checks the policy for a write to an entity outside a transition,
// such as an update or a delete.
func (e *Engine) Authorize(ctx context.Context, kind schema.Kind, id uuid.UUID, actor schema.Principal) error {
	return e.store.Transaction(ctx, func(txn *gorm.DB) error {
		resource, err := e.resource(txn, kind, id)
		if err != nil {
			return err
		}
		return e.policy.Authorize(ctx, actor, resource)
	})
}

func count(txn *gorm.DB, model interface{}, query string, args ...interface{}) (int64, error) {
	var n int64
	result := txn.Model(model).Where(query, args...).Count(&n)
	if result.Error != nil {
		slog.Error("sql error counting entities", "query", query, "error", result.Error)
		return 0, schema.ErrDbAccessFailed
	}
	return n, nil
}

func requireDatasetNotArchived(txn *gorm.DB, kind schema.Kind, id uuid.UUID) error {
	dataset, err := store.DatasetOf(txn, kind, id)
	if err != nil {
		return err
	}
	if dataset.Status == schema.DatasetArchived {
		return schema.FieldViolation("dataset", fmt.Sprintf("dataset %v is archived", dataset.Id))
	}
	return nil
}

func checkInvariants(txn *gorm.DB, kind schema.Kind, id uuid.UUID, to string) error {
	switch kind {
	case schema.KindDataset:
		if schema.DatasetStatus(to) == schema.DatasetReady {
			n, err := count(txn, &schema.AOI{}, "dataset_id = ?", id)
			if err != nil {
				return err
			}
			if n == 0 {
				return schema.FieldViolation("aoi", "a dataset needs at least one aoi to be ready")
			}
		}

	case schema.KindFeedbackAOI:
		if schema.DownloadStatus(to) == schema.Labeled {
			n, err := count(txn, &schema.FeedbackLabel{}, "feedback_aoi_id = ?", id)
			if err != nil {
				return err
			}
			if n == 0 {
				return schema.FieldViolation("feedback_label", "a feedback aoi needs at least one label to be labeled")
			}
		}

	case schema.KindModel:
		switch schema.ModelStatus(to) {
		case schema.ModelTrainingRequested:
			return requireDatasetNotArchived(txn, kind, id)
		case schema.ModelTraining:
			var trainings []schema.Training
			result := txn.Where("model_id = ?", id).Find(&trainings)
			if result.Error != nil {
				slog.Error("sql error loading trainings", "model_id", id, "error", result.Error)
				return schema.ErrDbAccessFailed
			}
			for _, t := range trainings {
				if t.Epochs >= 1 && len(t.ZoomLevel) > 0 {
					return nil
				}
			}
			return schema.FieldViolation("training", "model has no training with epochs and zoom levels set")
		}

	case schema.KindTraining:
		if schema.TrainingStatus(to) == schema.TrainingRunning {
			training, err := schema.GetTraining(id, txn)
			if err != nil {
				return err
			}
			if training.Epochs < 1 || training.BatchSize < 1 {
				return schema.FieldViolation("epochs", "epochs and batch size must be positive to run")
			}
			if len(training.ZoomLevel) == 0 {
				return schema.FieldViolation("zoom_level", "at least one zoom level is required to run")
			}
			if _, err := store.NormalizeZoomLevels(training.ZoomLevel); err != nil {
				return err
			}
			return requireDatasetNotArchived(txn, kind, id)
		}
	}

	return nil
}

// run executes fn in one transaction and reports the committed changes.
func (e *Engine) run(ctx context.Context, fn func(txn *gorm.DB) ([]change, error)) error {
	var changes []change
	err := e.store.Transaction(ctx, func(txn *gorm.DB) error {
		var err error
		changes, err = fn(txn)
		return err
	})
	if err != nil {
		return err
	}

	for _, c := range changes {
		e.committed(ctx, c)
	}
	return nil
}

func (e *Engine) committed(ctx context.Context, c change) {
	transitionMetric.WithLabelValues(string(c.kind), c.from, c.to).Inc()
	slog.Info("status transition", "kind", c.kind, "id", c.id, "from", c.from, "to", c.to, "actor", c.actor)

	event := events.StatusChanged{Kind: string(c.kind), Id: c.id, From: c.from, To: c.to, Actor: c.actor, At: time.Now().UTC()}
	if err := e.publisher.Publish(ctx, event); err != nil {
		slog.Error("error publishing status event", "kind", c.kind, "id", c.id, "error", err)
	}
}

func (e *Engine) rejected(kind schema.Kind, id uuid.UUID, target string, err error) {
	rejectionMetric.WithLabelValues(string(kind), rejectionReason(err)).Inc()
	slog.Info("status transition rejected", "kind", kind, "id", id, "to", target, "error", err)
}

// Transition moves one entity to target and returns it as committed.
// Trainings take the same path as the job callbacks, see transitionTraining.
func (e *Engine) Transition(ctx context.Context, kind schema.Kind, id uuid.UUID, target string, actor schema.Principal) (interface{}, error) {
	if kind == schema.KindTraining {
		return e.transitionTraining(ctx, id, schema.TrainingStatus(target), actor)
	}

	err := e.run(ctx, func(txn *gorm.DB) ([]change, error) {
		c, err := e.step(ctx, txn, kind, id, target, actor, stepOptions{})
		if err != nil {
			return nil, err
		}
		return []change{c}, nil
	})
	if err != nil {
		e.rejected(kind, id, target, err)
		return nil, err
	}

	return e.store.Get(ctx, kind, id)
}
