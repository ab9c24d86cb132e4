package lifecycle

import (
	"fmt"
	"slices"

	"fair_platform/core/schema"
)

type machine struct {
	states     []string
	successors map[string][]string
}

func newMachine[S ~string](states []S, edges map[S][]S) machine {
	m := machine{successors: make(map[string][]string)}
	for _, s := range states {
		m.states = append(m.states, string(s))
	}
	for from, tos := range edges {
		for _, to := range tos {
			m.successors[string(from)] = append(m.successors[string(from)], string(to))
		}
	}
	return m
}

func (m machine) valid(status string) bool {
	return slices.Contains(m.states, status)
}

func (m machine) allows(from, to string) bool {
	return slices.Contains(m.successors[from], to)
}

var downloadMachine = newMachine(schema.DownloadStatuses, map[schema.DownloadStatus][]schema.DownloadStatus{
	schema.NotDownloaded:  {schema.Downloading, schema.DownloadFailed},
	schema.Downloading:    {schema.Downloaded, schema.DownloadFailed},
	schema.Downloaded:     {schema.Labeled, schema.DownloadFailed},
	schema.DownloadFailed: {schema.NotDownloaded},
})

var machines = map[schema.Kind]machine{
	schema.KindDataset: newMachine(schema.DatasetStatuses, map[schema.DatasetStatus][]schema.DatasetStatus{
		schema.DatasetDraft:     {schema.DatasetUploading},
		schema.DatasetUploading: {schema.DatasetReady},
		schema.DatasetReady:     {schema.DatasetArchived, schema.DatasetDraft},
	}),
	schema.KindAOI:         downloadMachine,
	schema.KindFeedbackAOI: downloadMachine,
	schema.KindModel: newMachine(schema.ModelStatuses, map[schema.ModelStatus][]schema.ModelStatus{
		schema.ModelDraft:             {schema.ModelTrainingRequested},
		schema.ModelTrainingRequested: {schema.ModelTraining},
		schema.ModelTraining:          {schema.ModelTrained, schema.ModelFailed},
		schema.ModelFailed:            {schema.ModelTrainingRequested},
	}),
	schema.KindTraining: newMachine(schema.TrainingStatuses, map[schema.TrainingStatus][]schema.TrainingStatus{
		schema.TrainingQueued:  {schema.TrainingRunning},
		schema.TrainingRunning: {schema.TrainingCompleted, schema.TrainingFailed},
		schema.TrainingFailed:  {schema.TrainingQueued},
	}),
}

func machineFor(kind schema.Kind) (machine, error) {
	m, ok := machines[kind]
	if !ok {
		return machine{}, schema.FieldViolation("kind", fmt.Sprintf("%v has no lifecycle status", kind))
	}
	return m, nil
}

// Successors lists the states reachable in one step from status.
func Successors(kind schema.Kind, status string) []string {
	return slices.Clone(machines[kind].successors[status])
}

// Terminal reports whether status has no successors.
func Terminal(kind schema.Kind, status string) bool {
	m, ok := machines[kind]
	return ok && m.valid(status) && len(m.successors[status]) == 0
}
