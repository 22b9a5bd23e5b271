// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kfold

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/kfold/models"
	"github.com/gomlx/kfold/momentum"
	"github.com/pkg/errors"
)

// Hyperparameters of the experiment, stored in the context. See CreateDefaultContext for their defaults.
const (
	ParamNumFolds      = "num_folds"
	ParamShuffleFolds  = "shuffle_folds"
	ParamSeed          = "seed"
	ParamNumEpochs     = "num_epochs"
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"
	ParamNumWorkers    = "num_workers"
	ParamImageSize     = "image_size"
	ParamRandomFlips   = "augmentation_random_flips"

	// ParamFoldsToRun lists the folds (starting from 1) to train. Empty means all folds.
	ParamFoldsToRun = "folds_to_run"
)

// ParamsExcludedFromSaving are the hyperparameters not saved along the fold checkpoints:
// they only matter to the runner, not to the trained model.
var ParamsExcludedFromSaving = []string{
	ParamFoldsToRun,
	ParamNumWorkers,
	ParamEvalBatchSize,
	models.ParamWeightsDir,
}

// CreateDefaultContext returns a context with all the hyperparameters of the experiment set to their defaults.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Model to fine-tune, see models.ModelFns.
		models.ParamModel:      models.DefaultModel,
		models.ParamWeightsDir: models.DefaultWeightsDir,

		// Cross-validation.
		ParamNumFolds:     5,
		ParamShuffleFolds: true,
		ParamSeed:         42,
		ParamFoldsToRun:   []int{},

		// Training.
		ParamNumEpochs:     10,
		ParamBatchSize:     16,
		ParamEvalBatchSize: 16,
		ParamNumWorkers:    4,

		// Images are resized to image_size x image_size.
		ParamImageSize:   224,
		ParamRandomFlips: false,

		optimizers.ParamOptimizer:    momentum.Name,
		optimizers.ParamLearningRate: momentum.DefaultLearningRate,
		momentum.ParamMomentum:       momentum.DefaultMomentum,
		momentum.ParamNesterov:       false,

		// InceptionV3 model configuration ("model": "inception").
		models.ParamInceptionPretrained: true,
		models.ParamInceptionFineTuning: true,

		// CNN model configuration ("model": "cnn").
		"cnn_num_layers":            3,
		"cnn_channels":              16,
		"cnn_normalization":         "batch",
		"cnn_embeddings_size":       64,
		activations.ParamActivation: "relu",
		layers.ParamDropoutRate:     0.0,

		// FNN model configuration ("model": "fnn").
		models.ParamFnnHiddenLayers: 1,
		models.ParamFnnHiddenNodes:  32,
	})
	return ctx
}

// foldsToRun returns the set of folds (starting from 1) to train, or nil for all of them.
func foldsToRun(ctx *context.Context) map[int]bool {
	list := context.GetParamOr(ctx, ParamFoldsToRun, []int{})
	if len(list) == 0 {
		return nil
	}
	set := make(map[int]bool, len(list))
	for _, fold := range list {
		set[fold] = true
	}
	return set
}

// hyperparameters of the runner that must be within range. The "param" tag holds the hyperparameter name.
type hyperparameters struct {
	NumFolds      int `validate:"gte=2" param:"num_folds"`
	NumEpochs     int `validate:"gte=1" param:"num_epochs"`
	BatchSize     int `validate:"gte=1" param:"batch_size"`
	EvalBatchSize int `validate:"gte=1" param:"eval_batch_size"`
	NumWorkers    int `validate:"gte=1" param:"num_workers"`
	ImageSize     int `validate:"gte=1" param:"image_size"`
}

// validateHyperparameters checks the hyperparameters of ctx used by the runner.
func validateHyperparameters(ctx *context.Context) error {
	hp := hyperparameters{
		NumFolds:      context.GetParamOr(ctx, ParamNumFolds, 5),
		NumEpochs:     context.GetParamOr(ctx, ParamNumEpochs, 10),
		BatchSize:     context.GetParamOr(ctx, ParamBatchSize, 16),
		EvalBatchSize: context.GetParamOr(ctx, ParamEvalBatchSize, 16),
		NumWorkers:    context.GetParamOr(ctx, ParamNumWorkers, 4),
		ImageSize:     context.GetParamOr(ctx, ParamImageSize, 224),
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("param")
	})
	err := validate.Struct(hp)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return errors.Wrap(err, "invalid hyperparameters")
	}
	messages := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		messages = append(messages, fmt.Sprintf("%q must be greater than or equal to %s, got %v",
			fieldErr.Field(), fieldErr.Param(), fieldErr.Value()))
	}
	return errors.Errorf("invalid hyperparameters: %s", strings.Join(messages, "; "))
}
