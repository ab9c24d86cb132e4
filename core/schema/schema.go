package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Principal is the identity a write is attributed to.
type Principal struct {
	Id        int64  `json:"id"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatar_url"`
	IsAdmin   bool   `json:"-"`
}

// SystemPrincipal is used for writes driven by job callbacks and the status sync.
var SystemPrincipal = Principal{Id: 0, Username: "system", IsAdmin: true}

type OsmUser struct {
	OsmId      int64     `gorm:"primaryKey;autoIncrement:false" json:"osm_id"`
	Username   string    `gorm:"size:150;not null;index" json:"username"`
	Email      string    `gorm:"size:254" json:"email"`
	ImgUrl     string    `gorm:"size:500" json:"img_url"`
	IsStaff    bool      `gorm:"not null;default:false" json:"is_staff"`
	DateJoined time.Time `json:"date_joined"`
}

func (u *OsmUser) Principal() Principal {
	return Principal{Id: u.OsmId, Username: u.Username, AvatarUrl: u.ImgUrl, IsAdmin: u.IsStaff}
}

type Dataset struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	Name          string        `gorm:"size:255;not null" json:"name"`
	Status        DatasetStatus `gorm:"size:32;not null;check:status IN ('DRAFT','UPLOADING','READY','ARCHIVED')" json:"status"`
	SourceImagery string        `gorm:"size:500;not null;default:''" json:"source_imagery"`

	CreatedBy int64     `gorm:"not null;index" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AOI struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	DatasetId uuid.UUID `gorm:"type:uuid;not null;index" json:"dataset"`
	Dataset   *Dataset  `gorm:"foreignKey:DatasetId" json:"-"`

	Geometry     string         `json:"geom"`
	LabelStatus  DownloadStatus `gorm:"size:32;not null;check:label_status IN ('NOT_DOWNLOADED','DOWNLOADING','DOWNLOADED','LABELED','FAILED')" json:"label_status"`
	LabelFetched *time.Time     `json:"label_fetched"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AOI) TableName() string {
	return "aois"
}

type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	Name        string `gorm:"size:255;not null" json:"name"`
	Description string `gorm:"size:1000;not null;default:''" json:"description"`

	DatasetId uuid.UUID `gorm:"type:uuid;not null;index" json:"dataset"`
	Dataset   *Dataset  `gorm:"foreignKey:DatasetId" json:"-"`

	Status ModelStatus `gorm:"size:32;not null;check:status IN ('DRAFT','TRAINING_REQUESTED','TRAINING','TRAINED','FAILED')" json:"status"`

	CreatedBy int64     `gorm:"not null;index" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ZoomLevels is an ordered set of tile zoom levels.
type ZoomLevels []int

type Training struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	ModelId uuid.UUID `gorm:"type:uuid;not null;index" json:"model"`
	Model   *Model    `gorm:"foreignKey:ModelId" json:"-"`

	Description   string     `gorm:"size:500;not null;default:''" json:"description"`
	Epochs        int        `gorm:"not null" json:"epochs"`
	BatchSize     int        `gorm:"not null" json:"batch_size"`
	ZoomLevel     ZoomLevels `gorm:"serializer:json;not null" json:"zoom_level"`
	SourceImagery string     `gorm:"size:500;not null;default:''" json:"source_imagery"`

	Status     TrainingStatus `gorm:"size:32;not null;index;check:status IN ('QUEUED','RUNNING','COMPLETED','FAILED')" json:"status"`
	RetryCount int            `gorm:"not null;default:0" json:"retry_count"`
	Accuracy   *float64       `json:"accuracy"`

	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`

	CreatedBy int64     `gorm:"not null;index" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Training) JobName() string {
	return fmt.Sprintf("train-%v-%d", t.Id, t.RetryCount)
}

type Feedback struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	TrainingId uuid.UUID `gorm:"type:uuid;not null;index" json:"training"`
	Training   *Training `gorm:"foreignKey:TrainingId" json:"-"`

	UserId       int64        `gorm:"not null;index" json:"user"`
	FeedbackType FeedbackType `gorm:"size:8;not null;check:feedback_type IN ('TP','TN','FP','FN')" json:"feedback_type"`
	ZoomLevel    int          `gorm:"not null;check:zoom_level BETWEEN 18 AND 23" json:"zoom_level"`
	Comments     string       `gorm:"size:100;not null;default:''" json:"comments"`
	Geometry     string       `json:"geom"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type FeedbackAOI struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	TrainingId uuid.UUID `gorm:"type:uuid;not null;index" json:"training"`
	Training   *Training `gorm:"foreignKey:TrainingId" json:"-"`

	UserId        int64          `gorm:"not null;index" json:"user"`
	Geometry      string         `json:"geom"`
	SourceImagery string         `gorm:"size:500;not null;default:''" json:"source_imagery"`
	LabelStatus   DownloadStatus `gorm:"size:32;not null;check:label_status IN ('NOT_DOWNLOADED','DOWNLOADING','DOWNLOADED','LABELED','FAILED')" json:"label_status"`
	LabelFetched  *time.Time     `json:"label_fetched"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (FeedbackAOI) TableName() string {
	return "feedback_aois"
}

type FeedbackLabel struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	FeedbackAoiId uuid.UUID    `gorm:"type:uuid;not null;index" json:"feedback_aoi"`
	FeedbackAoi   *FeedbackAOI `gorm:"foreignKey:FeedbackAoiId" json:"-"`

	OsmId    *int64            `gorm:"index" json:"osm_id"`
	Tags     map[string]string `gorm:"serializer:json" json:"tags"`
	Geometry string            `json:"geom"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DispatchRecord tracks one job handed to the dispatch boundary. While the job
// is in flight ActiveTrainingId is set, and the unique index on it allows a
// single outstanding job per training and kind.
type DispatchRecord struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	Kind       DispatchKind `gorm:"size:16;not null;uniqueIndex:idx_dispatch_active,priority:2" json:"kind"`
	TrainingId uuid.UUID    `gorm:"type:uuid;not null;index" json:"training"`
	Training   *Training    `gorm:"foreignKey:TrainingId" json:"-"`

	ActiveTrainingId *uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_dispatch_active,priority:1" json:"-"`

	Ticket         uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex" json:"ticket"`
	JobName        string      `gorm:"size:100;not null;uniqueIndex" json:"job_name"`
	BatchKey       string      `gorm:"size:64;not null;default:''" json:"batch_key"`
	FeedbackAoiIds []uuid.UUID `gorm:"serializer:json" json:"feedback_aoi_ids"`
	LabelCount     int         `gorm:"not null;default:0" json:"label_count"`

	State   DispatchState `gorm:"size:16;not null;index" json:"state"`
	Details string        `json:"details"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func CorrectionJobName(ticket uuid.UUID) string {
	return fmt.Sprintf("correction-%v", ticket)
}

// Tables lists every relation in migration order.
func Tables() []interface{} {
	return []interface{}{
		&OsmUser{}, &Dataset{}, &AOI{}, &Model{}, &Training{},
		&Feedback{}, &FeedbackAOI{}, &FeedbackLabel{}, &DispatchRecord{},
	}
}
