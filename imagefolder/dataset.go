// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	"io"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Dataset implements train.Dataset over a subset of the samples of a Folder.
//
// Each Yield returns:
//
//   - spec: nil.
//   - inputs: one tensor with the images batch, shaped [batchSize, height, width, 3], dtype Float32,
//     with values from 0 to 1.
//   - labels: one tensor with the class labels, shaped [batchSize, 1], dtype Int32.
//
// The last batch may be smaller than batchSize, unless DropIncompleteBatch is set.
type Dataset struct {
	name      string
	folder    *Folder
	indices   []int
	transform Transform
	toTensor  *timage.ToTensorConfig

	batchSize      int
	dropIncomplete bool
	numWorkers     int

	// mu protects the fields below.
	mu       sync.Mutex
	shuffle  *rand.Rand
	augment  *rand.Rand
	order    []int
	position int
}

var (
	assertDatasetIsTrainDataset *Dataset
	_                           train.Dataset = assertDatasetIsTrainDataset
)

// NewDataset creates a Dataset with the samples of folder given by indices.
// If indices is nil, all samples are used.
//
// By default, it doesn't shuffle, uses batches of 16, keeps the last incomplete batch, decodes images
// with 4 goroutines, and uses DefaultTransform.
func NewDataset(name string, folder *Folder, indices []int) *Dataset {
	if indices == nil {
		indices = make([]int, folder.Len())
		for ii := range indices {
			indices[ii] = ii
		}
	}
	ds := &Dataset{
		name:       name,
		folder:     folder,
		indices:    slices.Clone(indices),
		transform:  DefaultTransform(),
		toTensor:   timage.ToTensor(dtypes.Float32),
		batchSize:  16,
		numWorkers: 4,
	}
	ds.Reset()
	return ds
}

// BatchSize configures the number of examples per batch. Returns itself, to allow chain of method calls.
func (ds *Dataset) BatchSize(batchSize int) *Dataset {
	ds.batchSize = batchSize
	return ds
}

// DropIncompleteBatch configures the Dataset to skip the last batch if it has fewer than batchSize examples.
func (ds *Dataset) DropIncompleteBatch(drop bool) *Dataset {
	ds.dropIncomplete = drop
	return ds
}

// NumWorkers configures the number of goroutines used to decode the images of a batch.
func (ds *Dataset) NumWorkers(numWorkers int) *Dataset {
	ds.numWorkers = max(numWorkers, 1)
	return ds
}

// WithTransform configures the image transformation.
func (ds *Dataset) WithTransform(transform Transform) *Dataset {
	ds.transform = transform
	return ds
}

// Shuffle the examples at every Reset, using the given seed. The shuffling is deterministic for a seed.
func (ds *Dataset) Shuffle(seed uint64) *Dataset {
	ds.mu.Lock()
	ds.shuffle = rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	ds.augment = rand.New(rand.NewPCG(seed, 0x2545f4914f6cdd1d))
	ds.mu.Unlock()
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Folder from where the examples are read.
func (ds *Dataset) Folder() *Folder { return ds.folder }

// Indices of the samples of the Folder used by this Dataset, in their original order.
func (ds *Dataset) Indices() []int { return ds.indices }

// NumExamples in the Dataset.
func (ds *Dataset) NumExamples() int { return len(ds.indices) }

// NumBatches returns the number of batches in one epoch.
func (ds *Dataset) NumBatches() int {
	if ds.dropIncomplete {
		return len(ds.indices) / ds.batchSize
	}
	return (len(ds.indices) + ds.batchSize - 1) / ds.batchSize
}

// Labels returns the labels of the examples of the Dataset, in the order of Indices.
func (ds *Dataset) Labels() []int {
	labels := make([]int, len(ds.indices))
	for ii, sampleIdx := range ds.indices {
		labels[ii] = ds.folder.Label(sampleIdx)
	}
	return labels
}

// Reset implements train.Dataset. It restarts the Dataset and, if shuffling, creates a new permutation.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	ds.order = slices.Clone(ds.indices)
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextBatch selects the sample indices of the next batch, and whether each one should be flipped.
func (ds *Dataset) nextBatch() (batch []int, flips []bool, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	remaining := len(ds.order) - ds.position
	if remaining <= 0 || (ds.dropIncomplete && remaining < ds.batchSize) {
		return nil, nil, io.EOF
	}
	size := min(remaining, ds.batchSize)
	batch = ds.order[ds.position : ds.position+size]
	ds.position += size
	flips = make([]bool, size)
	for ii := range flips {
		flips[ii] = ds.transform.DrawFlip(ds.augment)
	}
	return
}

// YieldImages returns the next batch of transformed images and their labels.
// It returns io.EOF when the epoch is over.
func (ds *Dataset) YieldImages() (images []image.Image, labels []int32, err error) {
	batch, flips, err := ds.nextBatch()
	if err != nil {
		return nil, nil, err
	}
	images = make([]image.Image, len(batch))
	labels = make([]int32, len(batch))
	var g errgroup.Group
	g.SetLimit(ds.numWorkers)
	for ii, sampleIdx := range batch {
		labels[ii] = int32(ds.folder.Label(sampleIdx))
		g.Go(func() error {
			img, err := ds.transform.Load(ds.folder.Path(sampleIdx), flips[ii])
			if err != nil {
				return err
			}
			images[ii] = img
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, nil, errors.WithMessagef(err, "while reading batch for dataset %q", ds.name)
	}
	return
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	images, batchLabels, err := ds.YieldImages()
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, len(batchLabels), 1)}
	return
}
