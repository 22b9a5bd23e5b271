// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scores

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"
)

// EpochReport holds the validation scores of one epoch of one fold.
type EpochReport struct {
	// Fold and Epoch numbers, both starting from 1.
	Fold, Epoch int

	// Duration of the epoch, training plus evaluation.
	Duration time.Duration

	// Accuracy on the validation set.
	Accuracy float64

	// F1 scores per class index, for the classes present in the validation labels or predictions.
	F1 map[int]float64

	// ClassNames, optional. If set, the class names are printed along with the class index.
	ClassNames []string
}

// NewEpochReport creates the report from the confusion matrix of the validation set.
func NewEpochReport(fold, epoch int, duration time.Duration, cm *ConfusionMatrix, classNames []string) *EpochReport {
	return &EpochReport{
		Fold:       fold,
		Epoch:      epoch,
		Duration:   duration,
		Accuracy:   cm.Accuracy(),
		F1:         cm.F1Scores(),
		ClassNames: classNames,
	}
}

// MacroF1 is the mean of the per-class F1 scores.
func (r *EpochReport) MacroF1() float64 {
	if len(r.F1) == 0 {
		return 0
	}
	var sum float64
	for _, f1 := range r.F1 {
		sum += f1
	}
	return sum / float64(len(r.F1))
}

// Print the report in the format:
//
//	F1 Scores (Fold 1, Epoch 1, sec 12.3):
//	Class 0: 0.9231
//	Class 1: 0.8000
//	Accuracy (Fold 1, Epoch 1, sec 12.3): 0.8750
func (r *EpochReport) Print(w io.Writer) error {
	header := fmt.Sprintf("(Fold %d, Epoch %d, sec %.1f)", r.Fold, r.Epoch, r.Duration.Seconds())
	if _, err := fmt.Fprintf(w, "F1 Scores %s:\n", header); err != nil {
		return err
	}
	for _, class := range slices.Sorted(maps.Keys(r.F1)) {
		name := ""
		if class < len(r.ClassNames) {
			name = fmt.Sprintf(" (%s)", r.ClassNames[class])
		}
		if _, err := fmt.Fprintf(w, "Class %d%s: %.4f\n", class, name, r.F1[class]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "Accuracy %s: %.4f\n", header, r.Accuracy)
	return err
}
