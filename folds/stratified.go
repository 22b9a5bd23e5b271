// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package folds splits a labeled dataset into stratified k-folds for cross-validation.
//
// The split follows the same allocation as scikit-learn's StratifiedKFold: the samples of each class
// are dealt among the folds so that the per-class counts of any two folds differ by at most one, and
// the total fold sizes are as balanced as possible. Each sample appears in exactly one validation set,
// and the training set of a fold is the complement of its validation set.
package folds

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Fold is one train/validation partition of the sample indices.
type Fold struct {
	// Index of the fold, starting from 0.
	Index int

	// Train and Validation hold sample indices, sorted in increasing order.
	Train, Validation []int
}

// StratifiedKFold configures the split.
type StratifiedKFold struct {
	// NumFolds, at least 2.
	NumFolds int

	// Shuffle the order of each class's samples before dealing them to the folds.
	// Without it, the folds take contiguous runs of each class, in sample order.
	Shuffle bool

	// Seed used when Shuffle is set. The same seed always yields the same folds.
	Seed uint64
}

// Split the samples with the given labels into NumFolds folds.
//
// Labels can be any non-negative integers, they don't need to be contiguous.
func (s StratifiedKFold) Split(labels []int) ([]Fold, error) {
	numSamples := len(labels)
	if s.NumFolds < 2 {
		return nil, errors.Errorf("k-fold cross-validation requires at least 2 folds, got NumFolds=%d", s.NumFolds)
	}
	if s.NumFolds > numSamples {
		return nil, errors.Errorf("cannot have NumFolds=%d greater than the number of samples (%d)", s.NumFolds, numSamples)
	}

	// Encode the labels to 0...numClasses-1 in sorted order.
	classes := slices.Clone(labels)
	slices.Sort(classes)
	classes = slices.Compact(classes)
	numClasses := len(classes)
	encoded := make([]int, numSamples)
	for ii, label := range labels {
		encoded[ii], _ = slices.BinarySearch(classes, label)
	}
	classCounts := make([]int, numClasses)
	for _, c := range encoded {
		classCounts[c]++
	}
	minCount := slices.Min(classCounts)
	if slices.Max(classCounts) < s.NumFolds {
		return nil, errors.Errorf("NumFolds=%d cannot be greater than the number of members in each class (largest class has %d)",
			s.NumFolds, slices.Max(classCounts))
	}
	if minCount < s.NumFolds {
		klog.Warningf("The least populated class has only %d members, which is less than NumFolds=%d", minCount, s.NumFolds)
	}

	// Deal the labels, in sorted order, to the folds in a round-robin fashion: allocation[fold][class]
	// is the number of samples of class in the fold. It balances both the per-class counts and the fold sizes.
	sortedEncoded := slices.Clone(encoded)
	slices.Sort(sortedEncoded)
	allocation := make([][]int, s.NumFolds)
	for fold := range allocation {
		allocation[fold] = make([]int, numClasses)
	}
	for ii, c := range sortedEncoded {
		allocation[ii%s.NumFolds][c]++
	}

	// Assign each class's samples to folds.
	var rng *rand.Rand
	if s.Shuffle {
		rng = rand.New(rand.NewPCG(s.Seed, s.Seed^0x5851f42d4c957f2d))
	}
	testFold := make([]int, numSamples)
	for c := range numClasses {
		foldsForClass := make([]int, 0, classCounts[c])
		for fold := range s.NumFolds {
			for range allocation[fold][c] {
				foldsForClass = append(foldsForClass, fold)
			}
		}
		if rng != nil {
			rng.Shuffle(len(foldsForClass), func(i, j int) {
				foldsForClass[i], foldsForClass[j] = foldsForClass[j], foldsForClass[i]
			})
		}
		next := 0
		for ii, sampleClass := range encoded {
			if sampleClass == c {
				testFold[ii] = foldsForClass[next]
				next++
			}
		}
	}

	folds := make([]Fold, s.NumFolds)
	for fold := range folds {
		folds[fold].Index = fold
	}
	for ii, fold := range testFold {
		for other := range folds {
			if other == fold {
				folds[other].Validation = append(folds[other].Validation, ii)
			} else {
				folds[other].Train = append(folds[other].Train, ii)
			}
		}
	}
	return folds, nil
}

// Describe returns one line per fold with the number of train and validation samples per class.
func Describe(folds []Fold, labels []int, numClasses int) string {
	countPerClass := func(indices []int) []int {
		counts := make([]int, numClasses)
		for _, idx := range indices {
			counts[labels[idx]]++
		}
		return counts
	}
	var sb strings.Builder
	for _, fold := range folds {
		_, _ = fmt.Fprintf(&sb, "Fold %d: train=%d %v, validation=%d %v\n",
			fold.Index+1, len(fold.Train), countPerClass(fold.Train),
			len(fold.Validation), countPerClass(fold.Validation))
	}
	return sb.String()
}
