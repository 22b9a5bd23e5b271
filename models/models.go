// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models holds the image classifiers that can be fine-tuned by the k-fold runner.
//
// Every model is a train.ModelFn that takes one input, the images batch shaped
// [batch_size, height, width, 3] with values from 0 to 1, and returns the logits shaped
// [batch_size, num_classes]. The number of classes is read from the ParamNumClasses hyperparameter.
package models

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	xmaps "golang.org/x/exp/maps"
)

const (
	// ParamModel is the hyperparameter with the name of the model to use, see ModelFns.
	ParamModel = "model"

	// ParamNumClasses is the hyperparameter with the number of classes of the readout layer (int).
	// It is set by the runner from the image folder.
	ParamNumClasses = "num_classes"

	// ParamWeightsDir is the hyperparameter with the directory where pretrained weights are downloaded to.
	ParamWeightsDir = "weights_dir"

	// DefaultModel is the pretrained network fine-tuned by default.
	DefaultModel = "inception"

	// Scope under which every model creates its variables.
	Scope = "model"
)

var (
	// ModelFns maps model names to their graph building functions.
	ModelFns = map[string]train.ModelFn{
		"inception": InceptionV3ModelGraph,
		"cnn":       CnnModelGraph,
		"fnn":       FnnModelGraph,
	}

	// preparers are run once before training, for the models that need it.
	preparers = map[string]func(ctx *context.Context) error{
		"inception": InceptionV3Prepare,
	}

	// ImageNetMean and ImageNetStdDev are the per-channel (RGB) statistics of ImageNet images,
	// used to normalize inputs of networks trained on it.
	ImageNetMean   = []float32{0.485, 0.456, 0.406}
	ImageNetStdDev = []float32{0.229, 0.224, 0.225}
)

// Names of the known models, sorted.
func Names() []string {
	return slices.Sorted(maps.Keys(ModelFns))
}

// SelectModelFn returns the model selected by the ParamModel hyperparameter.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	name := context.GetParamOr(ctx, ParamModel, DefaultModel)
	modelFn, found := ModelFns[name]
	if !found {
		return nil, errors.Errorf("unknown model %q, valid values are %q", name, Names())
	}
	return modelFn, nil
}

// Prepare runs the preparation of the selected model, for instance downloading pretrained weights.
// It's a no-op for models that don't need preparation.
func Prepare(ctx *context.Context) error {
	name := context.GetParamOr(ctx, ParamModel, DefaultModel)
	prepare, found := preparers[name]
	if !found {
		if _, known := ModelFns[name]; !known {
			return errors.Errorf("unknown model %q, valid values are %q", name, xmaps.Keys(ModelFns))
		}
		return nil
	}
	return errors.WithMessagef(prepare(ctx), "while preparing model %q", name)
}

// NumClasses returns the ParamNumClasses hyperparameter, and panics if it is not set.
func NumClasses(ctx *context.Context) int {
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses < 2 {
		exceptions.Panicf("hyperparameter %q must be set to the number of classes (>= 2), got %d",
			ParamNumClasses, numClasses)
	}
	return numClasses
}

// NormalizeImageNet converts images with values from 0 to 1 to the distribution of the
// normalized ImageNet images: each channel is shifted by ImageNetMean and scaled by ImageNetStdDev.
//
// images must be shaped [batch_size, height, width, 3].
func NormalizeImageNet(images *Node) *Node {
	images.AssertRank(4)
	g := images.Graph()
	dtype := images.DType()
	mean := ConvertDType(Reshape(Const(g, ImageNetMean), 1, 1, 1, 3), dtype)
	stddev := ConvertDType(Reshape(Const(g, ImageNetStdDev), 1, 1, 1, 3), dtype)
	return Div(Sub(images, mean), stddev)
}
