package schema

import "fmt"

type DatasetStatus string

const (
	DatasetDraft     DatasetStatus = "DRAFT"
	DatasetUploading DatasetStatus = "UPLOADING"
	DatasetReady     DatasetStatus = "READY"
	DatasetArchived  DatasetStatus = "ARCHIVED"
)

var DatasetStatuses = []DatasetStatus{DatasetDraft, DatasetUploading, DatasetReady, DatasetArchived}

type DownloadStatus string

const (
	NotDownloaded  DownloadStatus = "NOT_DOWNLOADED"
	Downloading    DownloadStatus = "DOWNLOADING"
	Downloaded     DownloadStatus = "DOWNLOADED"
	Labeled        DownloadStatus = "LABELED"
	DownloadFailed DownloadStatus = "FAILED"
)

var DownloadStatuses = []DownloadStatus{NotDownloaded, Downloading, Downloaded, Labeled, DownloadFailed}

type ModelStatus string

const (
	ModelDraft             ModelStatus = "DRAFT"
	ModelTrainingRequested ModelStatus = "TRAINING_REQUESTED"
	ModelTraining          ModelStatus = "TRAINING"
	ModelTrained           ModelStatus = "TRAINED"
	ModelFailed            ModelStatus = "FAILED"
)

var ModelStatuses = []ModelStatus{ModelDraft, ModelTrainingRequested, ModelTraining, ModelTrained, ModelFailed}

type TrainingStatus string

const (
	TrainingQueued    TrainingStatus = "QUEUED"
	TrainingRunning   TrainingStatus = "RUNNING"
	TrainingCompleted TrainingStatus = "COMPLETED"
	TrainingFailed    TrainingStatus = "FAILED"
)

var TrainingStatuses = []TrainingStatus{TrainingQueued, TrainingRunning, TrainingCompleted, TrainingFailed}

type FeedbackType string

const (
	TruePositive  FeedbackType = "TP"
	TrueNegative  FeedbackType = "TN"
	FalsePositive FeedbackType = "FP"
	FalseNegative FeedbackType = "FN"
)

var FeedbackTypes = []FeedbackType{TruePositive, TrueNegative, FalsePositive, FalseNegative}

type DispatchKind string

const (
	DispatchTraining   DispatchKind = "TRAINING"
	DispatchCorrection DispatchKind = "CORRECTION"
)

type DispatchState string

const (
	DispatchPending    DispatchState = "PENDING"
	DispatchDispatched DispatchState = "DISPATCHED"
	DispatchSucceeded  DispatchState = "SUCCEEDED"
	DispatchFailed     DispatchState = "FAILED"
)

// Kind names one of the entity relations held by the store.
type Kind string

const (
	KindDataset       Kind = "dataset"
	KindAOI           Kind = "aoi"
	KindModel         Kind = "model"
	KindTraining      Kind = "training"
	KindFeedback      Kind = "feedback"
	KindFeedbackAOI   Kind = "feedback_aoi"
	KindFeedbackLabel Kind = "feedback_label"
)

var Kinds = []Kind{KindDataset, KindAOI, KindModel, KindTraining, KindFeedback, KindFeedbackAOI, KindFeedbackLabel}

func ParseKind(kind string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == kind {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid entity kind '%v'", kind)
}

func valid[S ~string](value S, values []S) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func (s DatasetStatus) Valid() bool  { return valid(s, DatasetStatuses) }
func (s DownloadStatus) Valid() bool { return valid(s, DownloadStatuses) }
func (s ModelStatus) Valid() bool    { return valid(s, ModelStatuses) }
func (s TrainingStatus) Valid() bool { return valid(s, TrainingStatuses) }
func (t FeedbackType) Valid() bool   { return valid(t, FeedbackTypes) }

func CheckValidFeedbackType(t FeedbackType) error {
	if t.Valid() {
		return nil
	}
	return FieldViolation("feedback_type", fmt.Sprintf("invalid feedback type '%v', must be one of %v", t, FeedbackTypes))
}

const (
	MaxNameLength     = 255
	MaxCommentsLength = 100

	// Feature-level correction band for Feedback.
	MinFeedbackZoom     = 18
	MaxFeedbackZoom     = 23
	DefaultFeedbackZoom = 19

	MaxZoomLevels = 4
)

// AllowedTrainingZooms are the zoom levels a Training may request tiles at.
var AllowedTrainingZooms = []int{19, 20, 21, 22}
