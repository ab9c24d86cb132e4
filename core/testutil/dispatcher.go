package testutil

import (
	"context"
	"fmt"
	"sync"

	"fair_platform/core/dispatch"
)

// Dispatcher records dispatched jobs in memory in place of a cluster.
type Dispatcher struct {
	mu          sync.Mutex
	jobs        map[string]dispatch.JobStatus
	trainings   []dispatch.TrainingJob
	corrections []dispatch.CorrectionJob
	stopped     []string
	unavailable bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{jobs: make(map[string]dispatch.JobStatus)}
}

func (s *Dispatcher) DispatchTraining(ctx context.Context, job dispatch.TrainingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("dispatcher unavailable")
	}
	if _, ok := s.jobs[job.JobName]; !ok {
		s.jobs[job.JobName] = dispatch.StatusPending
		s.trainings = append(s.trainings, job)
	}
	return nil
}

func (s *Dispatcher) DispatchCorrection(ctx context.Context, job dispatch.CorrectionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return fmt.Errorf("dispatcher unavailable")
	}
	if _, ok := s.jobs[job.JobName]; !ok {
		s.jobs[job.JobName] = dispatch.StatusPending
		s.corrections = append(s.corrections, job)
	}
	return nil
}

func (s *Dispatcher) JobInfo(ctx context.Context, jobName string) (dispatch.JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.jobs[jobName]
	if !ok {
		return dispatch.JobInfo{}, fmt.Errorf("test job %v: %w", jobName, dispatch.ErrJobNotFound)
	}
	return dispatch.JobInfo{Name: jobName, Status: status}, nil
}

func (s *Dispatcher) StopJob(ctx context.Context, jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobName]; !ok {
		return fmt.Errorf("test job %v: %w", jobName, dispatch.ErrJobNotFound)
	}
	delete(s.jobs, jobName)
	s.stopped = append(s.stopped, jobName)
	return nil
}

func (s *Dispatcher) SetStatus(jobName string, status dispatch.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[jobName] = status
}

func (s *Dispatcher) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unavailable = unavailable
}

func (s *Dispatcher) Trainings() []dispatch.TrainingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]dispatch.TrainingJob(nil), s.trainings...)
}

func (s *Dispatcher) Corrections() []dispatch.CorrectionJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]dispatch.CorrectionJob(nil), s.corrections...)
}

// Stopped lists the jobs stopped so far, in order.
func (s *Dispatcher) Stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.stopped...)
}
