package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"fair_platform/core/storage"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

func (s JobStatus) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type JobInfo struct {
	Name   string
	Status JobStatus
}

var ErrJobNotFound = errors.New("job not found")

// Outcome is what a job reports when it finishes.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

func ParseOutcome(outcome string) (Outcome, error) {
	switch o := Outcome(outcome); o {
	case OutcomeSuccess, OutcomeFailure:
		return o, nil
	}
	return "", fmt.Errorf("invalid job outcome '%v'", outcome)
}

type TrainingJob struct {
	JobName    string
	TrainingId uuid.UUID
	ModelId    uuid.UUID
	DatasetId  uuid.UUID

	Epochs        int
	BatchSize     int
	ZoomLevel     []int
	SourceImagery string
}

type CorrectionJob struct {
	JobName        string
	Ticket         uuid.UUID
	TrainingId     uuid.UUID
	FeedbackAoiIds []uuid.UUID
	LabelCount     int
}

// Dispatcher hands long running work to the compute cluster. Dispatching the
// same job name twice must not start a second job.
type Dispatcher interface {
	DispatchTraining(ctx context.Context, job TrainingJob) error

	DispatchCorrection(ctx context.Context, job CorrectionJob) error

	JobInfo(ctx context.Context, jobName string) (JobInfo, error)

	StopJob(ctx context.Context, jobName string) error
}

// TokenIssuer creates the bearer token a job presents on its status callbacks.
type TokenIssuer interface {
	CreateJobToken(jobName string) (string, error)
}

type trainingConfig struct {
	JobName       string `yaml:"job_name"`
	TrainingId    string `yaml:"training_id"`
	ModelId       string `yaml:"model_id"`
	DatasetId     string `yaml:"dataset_id"`
	Epochs        int    `yaml:"epochs"`
	BatchSize     int    `yaml:"batch_size"`
	ZoomLevel     []int  `yaml:"zoom_level"`
	SourceImagery string `yaml:"source_imagery"`
	OutputDir     string `yaml:"output_dir"`
}

type correctionConfig struct {
	JobName        string   `yaml:"job_name"`
	Ticket         string   `yaml:"ticket"`
	TrainingId     string   `yaml:"training_id"`
	FeedbackAoiIds []string `yaml:"feedback_aoi_ids"`
	LabelCount     int      `yaml:"label_count"`
	OutputDir      string   `yaml:"output_dir"`
}

func jobDir(jobName string) string {
	return filepath.Join("jobs", jobName)
}

var ErrJobLogNotFound = errors.New("job has not written a log")

func jobLogPath(jobName string) string {
	return filepath.Join(jobDir(jobName), "output", "train.log")
}

// OpenJobLog opens the log a job writes to its output directory.
func OpenJobLog(s storage.Storage, jobName string) (io.ReadCloser, error) {
	path := jobLogPath(jobName)
	exists, err := s.Exists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("log of job %v: %w", jobName, ErrJobLogNotFound)
	}
	return s.Read(path)
}

// RemoveJobFiles deletes the config and outputs of a job.
func RemoveJobFiles(s storage.Storage, jobName string) error {
	if err := s.Delete(jobDir(jobName)); err != nil {
		return fmt.Errorf("error removing files of job %v: %w", jobName, err)
	}
	return nil
}

// writeConfig stores the job config on shared storage and returns the path the
// job should read it from.
func writeConfig(s storage.Storage, jobName string, config interface{}) (string, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("error encoding config for job %v: %w", jobName, err)
	}

	path := filepath.Join(jobDir(jobName), "config.yaml")
	if err := s.Write(path, bytes.NewReader(data)); err != nil {
		slog.Error("error writing job config", "job_name", jobName, "error", err)
		return "", fmt.Errorf("error writing config for job %v: %w", jobName, err)
	}

	return filepath.Join(s.Location(), path), nil
}

func WriteTrainingConfig(s storage.Storage, job TrainingJob) (string, error) {
	return writeConfig(s, job.JobName, trainingConfig{
		JobName:       job.JobName,
		TrainingId:    job.TrainingId.String(),
		ModelId:       job.ModelId.String(),
		DatasetId:     job.DatasetId.String(),
		Epochs:        job.Epochs,
		BatchSize:     job.BatchSize,
		ZoomLevel:     job.ZoomLevel,
		SourceImagery: job.SourceImagery,
		OutputDir:     filepath.Join(s.Location(), jobDir(job.JobName), "output"),
	})
}

func WriteCorrectionConfig(s storage.Storage, job CorrectionJob) (string, error) {
	aois := make([]string, 0, len(job.FeedbackAoiIds))
	for _, id := range job.FeedbackAoiIds {
		aois = append(aois, id.String())
	}
	return writeConfig(s, job.JobName, correctionConfig{
		JobName:        job.JobName,
		Ticket:         job.Ticket.String(),
		TrainingId:     job.TrainingId.String(),
		FeedbackAoiIds: aois,
		LabelCount:     job.LabelCount,
		OutputDir:      filepath.Join(s.Location(), jobDir(job.JobName), "output"),
	})
}
