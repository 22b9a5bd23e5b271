// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kfold

import (
	"io"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kfold/scores"
	"github.com/pkg/errors"
)

// Predictor runs a model in inference mode and returns the predicted class of each example.
type Predictor struct {
	exec *context.Exec
}

// NewPredictor creates a Predictor for modelFn, using the variables already in ctx.
// The graph returns the ArgMax of the logits, so only the predicted classes are transferred.
func NewPredictor(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn) (*Predictor, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		logits := modelFn(ctx, nil, []*Node{images})[0]
		return ArgMax(logits, -1, dtypes.Int32)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while creating the model predictor")
	}
	return &Predictor{exec: exec}, nil
}

// Predict returns the predicted class of each image in the batch shaped [batch_size, height, width, 3].
func (p *Predictor) Predict(images *tensors.Tensor) ([]int, error) {
	predictions, err := p.exec.Exec1(images)
	if err != nil {
		return nil, err
	}
	defer predictions.MustFinalizeAll()
	flat := tensors.MustCopyFlatData[int32](predictions)
	classes := make([]int, len(flat))
	for ii, class := range flat {
		classes[ii] = int(class)
	}
	return classes, nil
}

// Evaluate runs the predictor over the whole dataset, and returns the confusion matrix of the labels
// against the predictions. The dataset is reset at the end.
func (p *Predictor) Evaluate(ds train.Dataset, numClasses int) (*scores.ConfusionMatrix, error) {
	cm := scores.NewConfusionMatrix(numClasses)
	defer ds.Reset()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "while reading evaluation dataset %q", ds.Name())
		}
		predicted, err := p.Predict(inputs[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "while predicting on dataset %q", ds.Name())
		}
		trueLabels := tensors.MustCopyFlatData[int32](labels[0])
		truth := make([]int, len(trueLabels))
		for ii, label := range trueLabels {
			truth[ii] = int(label)
		}
		for _, t := range inputs {
			t.MustFinalizeAll()
		}
		for _, t := range labels {
			t.MustFinalizeAll()
		}
		if err := cm.Add(truth, predicted); err != nil {
			return nil, err
		}
	}
	return cm, nil
}
