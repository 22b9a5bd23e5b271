// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/gomlx/examples/inceptionv3"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
)

const (
	// ParamInceptionPretrained enables the ImageNet weights for InceptionV3 (default true).
	// If false, the network is trained from random initialization.
	ParamInceptionPretrained = "inception_pretrained"

	// ParamInceptionFineTuning makes the InceptionV3 weights trainable (default true).
	// If false only the new readout layer is trained.
	ParamInceptionFineTuning = "inception_finetuning"

	// DefaultWeightsDir where pretrained weights are stored if ParamWeightsDir is not set.
	DefaultWeightsDir = "~/.cache/kfold"
)

// InceptionV3Prepare downloads and unpacks the InceptionV3 weights into the ParamWeightsDir directory,
// if they are not there yet.
func InceptionV3Prepare(ctx *context.Context) error {
	if !context.GetParamOr(ctx, ParamInceptionPretrained, true) {
		return nil
	}
	return inceptionv3.DownloadAndUnpackWeights(WeightsDir(ctx))
}

// WeightsDir returns the ParamWeightsDir hyperparameter, with "~" expanded to the home directory.
func WeightsDir(ctx *context.Context) string {
	return fsutil.MustReplaceTildeInDir(context.GetParamOr(ctx, ParamWeightsDir, DefaultWeightsDir))
}

// InceptionV3ModelGraph fine-tunes an InceptionV3 network pretrained on ImageNet: the 1000 classes top
// layer is replaced by a new linear layer with ParamNumClasses outputs, applied on the pooled embeddings.
//
// Images are rescaled to the range InceptionV3 was trained with, so ImageNet normalization is not used.
func InceptionV3ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In(Scope)
	images := inputs[0] // Values from 0.0 to 1.0.
	images = inceptionv3.PreprocessImage(images, 1.0, timage.ChannelsLast)

	var preTrainedPath string
	if context.GetParamOr(ctx, ParamInceptionPretrained, true) {
		preTrainedPath = WeightsDir(ctx)
	}
	embeddings := inceptionv3.BuildGraph(ctx, images).
		PreTrained(preTrainedPath).
		SetPooling(inceptionv3.MaxPooling).
		Trainable(context.GetParamOr(ctx, ParamInceptionFineTuning, true)).
		Done()
	logits := layers.Dense(ctx.In("readout"), embeddings, true, NumClasses(ctx))
	return []*Node{logits}
}
