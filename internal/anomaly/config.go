// Package anomaly scores transactions for outlier behaviour.
//
// Detection runs in two stages over the same canonical ordering of the
// input, (date, account_id, id):
//
//   - a statistical stage on the amount alone, flagging |z| above a
//     threshold and values outside the Tukey IQR fences;
//   - an unsupervised ML stage on standardized (amount, date, account
//     frequency) features, fitting an isolation forest and a one-class SVM
//     concurrently.
//
// A transaction flagged by any method yields exactly one AnomalyRecord. The
// record score is the maximum of the normalized per-method scores, so every
// flagged record scores at least 1. Identical input and seed produce
// identical output.
package anomaly

import (
	"fmt"
	"runtime"
)

// Config holds detector thresholds and model parameters
type Config struct {
	ZScoreThreshold float64 `json:"z_score_threshold" yaml:"z_score_threshold" mapstructure:"z_score_threshold"`
	IQRMultiplier   float64 `json:"iqr_multiplier" yaml:"iqr_multiplier" mapstructure:"iqr_multiplier"`

	// EnableML turns the isolation forest and one-class SVM on
	EnableML bool `json:"enable_ml" yaml:"enable_ml" mapstructure:"enable_ml"`
	// MinMLSamples is the smallest population the ML stage is fitted on.
	// Smaller inputs get a degraded, statistical-only result.
	MinMLSamples  int     `json:"min_ml_samples" yaml:"min_ml_samples" mapstructure:"min_ml_samples"`
	Contamination float64 `json:"contamination" yaml:"contamination" mapstructure:"contamination"`
	Trees         int     `json:"trees" yaml:"trees" mapstructure:"trees"`
	SubsampleSize int     `json:"subsample_size" yaml:"subsample_size" mapstructure:"subsample_size"`
	Nu            float64 `json:"nu" yaml:"nu" mapstructure:"nu"`
	MaxSVMSamples int     `json:"max_svm_samples" yaml:"max_svm_samples" mapstructure:"max_svm_samples"`
	Seed          int64   `json:"seed" yaml:"seed" mapstructure:"seed"`

	// Workers bounds the goroutines used to fit and score models.
	// Zero means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`
}

// DefaultConfig returns the documented detector defaults
func DefaultConfig() *Config {
	return &Config{
		ZScoreThreshold: 3,
		IQRMultiplier:   1.5,
		EnableML:        true,
		MinMLSamples:    20,
		Contamination:   0.1,
		Trees:           100,
		SubsampleSize:   256,
		Nu:              0.1,
		MaxSVMSamples:   2000,
		Seed:            42,
	}
}

// Validate checks the detector configuration
func (c *Config) Validate() error {
	if c.ZScoreThreshold <= 0 {
		return fmt.Errorf("z-score threshold must be positive, got %g", c.ZScoreThreshold)
	}
	if c.IQRMultiplier <= 0 {
		return fmt.Errorf("IQR multiplier must be positive, got %g", c.IQRMultiplier)
	}
	if !c.EnableML {
		return nil
	}
	if c.MinMLSamples < 2 {
		return fmt.Errorf("min ML samples must be at least 2, got %d", c.MinMLSamples)
	}
	if c.Contamination <= 0 || c.Contamination >= 0.5 {
		return fmt.Errorf("contamination must be in (0, 0.5), got %g", c.Contamination)
	}
	if c.Trees < 1 {
		return fmt.Errorf("trees must be at least 1, got %d", c.Trees)
	}
	if c.SubsampleSize < 2 {
		return fmt.Errorf("subsample size must be at least 2, got %d", c.SubsampleSize)
	}
	if c.Nu <= 0 || c.Nu > 1 {
		return fmt.Errorf("nu must be in (0, 1], got %g", c.Nu)
	}
	if c.MaxSVMSamples < c.MinMLSamples {
		return fmt.Errorf("max SVM samples %d is below min ML samples %d", c.MaxSVMSamples, c.MinMLSamples)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", c.Workers)
	}
	return nil
}

func (c *Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}
