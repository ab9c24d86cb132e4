package feedback

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds decide when the feedback on a training is enough to retrain.
type Thresholds struct {
	MinLabeledAOIs   int `yaml:"min_labeled_aois" env:"MIN_LABELED_AOIS" envDefault:"1"`
	MinLabels        int `yaml:"min_labels" env:"MIN_LABELS" envDefault:"1"`
	MinFeedbackTypes int `yaml:"min_feedback_types" env:"MIN_FEEDBACK_TYPES" envDefault:"1"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinLabeledAOIs: 1, MinLabels: 1, MinFeedbackTypes: 1}
}

func (t Thresholds) Validate() error {
	if t.MinLabeledAOIs < 1 {
		return fmt.Errorf("min_labeled_aois must be at least 1, got %d", t.MinLabeledAOIs)
	}
	if t.MinLabels < 0 || t.MinFeedbackTypes < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	return nil
}

// LoadThresholds reads thresholds from a yaml file. Keys missing from the file
// keep their defaults.
func LoadThresholds(path string) (Thresholds, error) {
	thresholds := DefaultThresholds()

	data, err := os.ReadFile(path)
	if err != nil {
		return thresholds, fmt.Errorf("error reading thresholds file %v: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &thresholds); err != nil {
		return thresholds, fmt.Errorf("error parsing thresholds file %v: %w", path, err)
	}
	if err := thresholds.Validate(); err != nil {
		return thresholds, fmt.Errorf("invalid thresholds in %v: %w", path, err)
	}

	return thresholds, nil
}
