// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// CnnModelGraph is a small residual CNN trained from scratch, much faster than the pretrained
// networks. Useful for quick experiments and tests.
//
// Hyperparameters: cnn_num_layers (3), cnn_channels (16), cnn_normalization ("batch"),
// cnn_embeddings_size (64), and the activation and dropout_rate of the layers package.
func CnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In(Scope)
	images := NormalizeImageNet(inputs[0])
	embeddings := cnnEmbeddings(ctx, images)
	logits := fnn.New(ctx.In("readout"), embeddings, NumClasses(ctx)).NumHiddenLayers(0, 0).Done()
	return []*Node{logits}
}

func cnnEmbeddings(ctx *context.Context, images *Node) *Node {
	batchSize := images.Shape().Dimensions[0]
	numConvolutions := context.GetParamOr(ctx, "cnn_num_layers", 3)
	numChannels := context.GetParamOr(ctx, "cnn_channels", 16)

	var dropoutNode *Node
	if dropoutRate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0); dropoutRate > 0 {
		dropoutNode = Scalar(images.Graph(), images.DType(), dropoutRate)
	}

	logits := images
	for convIdx := range numConvolutions {
		ctx := ctx.Inf("%03d_conv", convIdx)
		if convIdx > 0 {
			logits = normalizeImage(ctx, logits)
		}
		for repeat := range 2 {
			ctx := ctx.Inf("repeat_%02d", repeat)
			residual := logits
			logits = layers.Convolution(ctx, logits).Channels(numChannels).KernelSize(3).PadSame().Done()
			logits = activations.ApplyFromContext(ctx, logits)
			if dropoutNode != nil {
				logits = layers.Dropout(ctx, logits, dropoutNode)
			}
			if residual.Shape().Equal(logits.Shape()) {
				logits = Add(logits, residual)
			}
		}
		height, width := logits.Shape().Dimensions[1], logits.Shape().Dimensions[2]
		if height > 8 && width > 8 {
			logits = MaxPool(logits).Window(2).Done()
		}
	}

	// Global average over the spatial dimensions keeps the embedding size independent of the image size.
	logits = ReduceMean(logits, 1, 2)
	logits.AssertDims(batchSize, numChannels)
	return fnn.New(ctx.Inf("%03d_fnn", numConvolutions), logits, context.GetParamOr(ctx, "cnn_embeddings_size", 64)).Done()
}

func normalizeImage(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4) // [batch_size, height, width, channels]
	norm := context.GetParamOr(ctx, "cnn_normalization", "batch")
	switch norm {
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2).ScaleNormalization(false).Done()
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf("invalid normalization selected %q -- valid values are batch, layer, none", norm)
	return nil
}
