// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

const (
	// ParamFnnHiddenLayers is the number of hidden layers of the "fnn" model.
	ParamFnnHiddenLayers = "fnn_model_hidden_layers"

	// ParamFnnHiddenNodes is the number of nodes of each hidden layer of the "fnn" model.
	ParamFnnHiddenNodes = "fnn_model_hidden_nodes"
)

// FnnModelGraph is a feed-forward network on the flattened pixels, trained from scratch.
// It only uses dense layers, so it trains on every backend.
//
// Hyperparameters: fnn_model_hidden_layers (1), fnn_model_hidden_nodes (32), and the activation,
// normalization and dropout_rate of the fnn package.
func FnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In(Scope)
	images := NormalizeImageNet(inputs[0])
	batchSize := images.Shape().Dimensions[0]
	flat := Reshape(images, batchSize, -1)
	logits := fnn.New(ctx.In("fnn"), flat, NumClasses(ctx)).
		NumHiddenLayers(context.GetParamOr(ctx, ParamFnnHiddenLayers, 1), context.GetParamOr(ctx, ParamFnnHiddenNodes, 32)).
		Done()
	return []*Node{logits}
}
