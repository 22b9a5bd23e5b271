// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier classifies images with a model saved by the k-fold runner.
package classifier

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/backends"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kfold/imagefolder"
	"github.com/gomlx/kfold/kfold"
	"github.com/gomlx/kfold/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Classifier holds a trained fold model.
type Classifier struct {
	classes    []string
	transform  imagefolder.Transform
	toTensor   *timage.ToTensorConfig
	predictor  *kfold.Predictor
	batchSize  int
	numWorkers int
}

// New loads the model saved in checkpointDir, along with its class names.
func New(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	ctx := context.New()
	// Hyperparameters are read from the checkpoint, so the same model is built.
	_, err := checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading model from %q", checkpointDir)
	}
	// Weights come from the checkpoint.
	ctx.SetParam(models.ParamInceptionPretrained, false)

	classes, err := readClasses(filepath.Join(checkpointDir, kfold.ClassesFileName))
	if err != nil {
		return nil, err
	}
	if numClasses := context.GetParamOr(ctx, models.ParamNumClasses, 0); numClasses != len(classes) {
		return nil, errors.Errorf("model in %q has %d classes, but %d class names were found",
			checkpointDir, numClasses, len(classes))
	}
	modelFn, err := models.SelectModelFn(ctx)
	if err != nil {
		return nil, err
	}
	predictor, err := kfold.NewPredictor(backend, ctx, modelFn)
	if err != nil {
		return nil, err
	}
	imageSize := context.GetParamOr(ctx, kfold.ParamImageSize, 224)
	klog.V(1).Infof("Loaded %q model from %q: %d classes, %dx%d images",
		context.GetParamOr(ctx, models.ParamModel, models.DefaultModel), checkpointDir, len(classes), imageSize, imageSize)
	return &Classifier{
		classes:    classes,
		transform:  imagefolder.Transform{Width: imageSize, Height: imageSize},
		toTensor:   timage.ToTensor(dtypes.Float32),
		predictor:  predictor,
		batchSize:  context.GetParamOr(ctx, kfold.ParamBatchSize, 16),
		numWorkers: 4,
	}, nil
}

func readClasses(path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read class names")
	}
	var classes []string
	for _, line := range strings.Split(string(contents), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			classes = append(classes, line)
		}
	}
	return classes, nil
}

// Classes returns the class names, indexed by label.
func (c *Classifier) Classes() []string { return c.classes }

// ClassifyImages returns the predicted class label of each image.
func (c *Classifier) ClassifyImages(images []image.Image) ([]int, error) {
	resized := make([]image.Image, len(images))
	for ii, img := range images {
		resized[ii] = c.transform.Apply(img, false)
	}
	batch := c.toTensor.Batch(resized)
	defer batch.MustFinalizeAll()
	return c.predictor.Predict(batch)
}

// Classify returns the predicted class label and name of img.
func (c *Classifier) Classify(img image.Image) (label int, name string, err error) {
	labels, err := c.ClassifyImages([]image.Image{img})
	if err != nil {
		return 0, "", err
	}
	return labels[0], c.classes[labels[0]], nil
}

// ClassifyFiles returns the predicted class label of each image file. Images are decoded in parallel
// and classified in batches.
func (c *Classifier) ClassifyFiles(paths []string) ([]int, error) {
	labels := make([]int, 0, len(paths))
	for start := 0; start < len(paths); start += c.batchSize {
		batchPaths := paths[start:min(start+c.batchSize, len(paths))]
		images := make([]image.Image, len(batchPaths))
		var g errgroup.Group
		g.SetLimit(c.numWorkers)
		for ii, path := range batchPaths {
			g.Go(func() error {
				img, err := c.transform.Load(path, false)
				if err != nil {
					return err
				}
				images[ii] = img
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		batch := c.toTensor.Batch(images)
		batchLabels, err := c.predictor.Predict(batch)
		batch.MustFinalizeAll()
		if err != nil {
			return nil, err
		}
		labels = append(labels, batchLabels...)
	}
	return labels, nil
}
