// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kfold

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
)

// Config holds the run-level options of the experiment. Model and training hyperparameters
// are set in the context instead, see CreateDefaultContext and Config.Settings.
type Config struct {
	// DataDir with one subdirectory of images per class.
	DataDir string `validate:"required"`

	// CheckpointDir where the fold checkpoints are saved, each in the subdirectory
	// CheckpointPrefix + fold number (starting from 1).
	CheckpointDir    string `validate:"required"`
	CheckpointPrefix string `validate:"required,excludesall=/\\"`

	// ResultsFile is the CSV file where the per-epoch scores are written to. Empty to skip it.
	// A relative path is taken relative to CheckpointDir.
	ResultsFile string

	// Settings of the context hyperparameters, in the format of commandline.ParseContextSettings,
	// e.g.: "num_epochs=3;model=cnn".
	Settings string

	// Verbosity: 0 prints only the epoch reports and summary, 1 adds progress bars, 2 adds the
	// datasets and folds descriptions.
	Verbosity int `validate:"gte=0,lte=2"`

	// Overwrite existing fold checkpoints. If false, folds with an existing checkpoint are skipped.
	Overwrite bool

	// VerifyImages decodes every image before training, and leaves out the ones that fail.
	VerifyImages bool

	// Output where reports are printed. If nil, os.Stdout is used.
	Output io.Writer `validate:"-"`

	// Backend used to train and evaluate. If nil, backends.MustNew() is used.
	Backend backends.Backend `validate:"-"`
}

// DefaultConfig is the configuration used by the kfold_train command line defaults.
var DefaultConfig = Config{
	DataDir:          "train_data-mc",
	CheckpointDir:    ".",
	CheckpointPrefix: "modelmc_fold",
	ResultsFile:      "kfold_results.csv",
	Verbosity:        1,
	Overwrite:        true,
}

// Validate checks that the required fields are set and within range.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return errors.Wrap(err, "invalid kfold.Config")
	}
	messages := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		messages = append(messages, validationMessage(fieldErr))
	}
	return errors.Errorf("invalid kfold.Config: %s", strings.Join(messages, "; "))
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", e.Field(), e.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", e.Field(), e.Param())
	case "excludesall":
		return fmt.Sprintf("%s must not contain path separators", e.Field())
	default:
		return fmt.Sprintf("%s is invalid", e.Field())
	}
}

// FoldDir returns the checkpoint directory of the given fold (starting from 1).
func (c *Config) FoldDir(fold int) string {
	return filepath.Join(c.CheckpointDir, fmt.Sprintf("%s%d", c.CheckpointPrefix, fold))
}

// ResultsPath returns the path of the results CSV file, or "" if it is not to be written.
func (c *Config) ResultsPath() string {
	if c.ResultsFile == "" || filepath.IsAbs(c.ResultsFile) {
		return c.ResultsFile
	}
	return filepath.Join(c.CheckpointDir, c.ResultsFile)
}

func (c *Config) output() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}
