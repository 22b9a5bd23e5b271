// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scores computes classification quality scores (accuracy, per-class precision, recall and F1)
// from predicted and true labels, and formats the per-epoch report of a k-fold run.
//
// Scores follow scikit-learn conventions: a score whose denominator is 0 is reported as 0, and
// per-class scores are reported for the classes present either in the true labels or in the predictions.
package scores

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ConfusionMatrix counts predictions: the element (i, j) is the number of examples of true class i
// predicted as class j.
type ConfusionMatrix struct {
	numClasses int
	counts     *mat.Dense
}

// NewConfusionMatrix creates an empty confusion matrix for numClasses classes.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	if numClasses <= 0 {
		panic(fmt.Sprintf("scores.NewConfusionMatrix requires numClasses > 0, got %d", numClasses))
	}
	return &ConfusionMatrix{
		numClasses: numClasses,
		counts:     mat.NewDense(numClasses, numClasses, nil),
	}
}

// NumClasses of the matrix.
func (cm *ConfusionMatrix) NumClasses() int { return cm.numClasses }

// Add a batch of true and predicted labels.
func (cm *ConfusionMatrix) Add(trueLabels, predicted []int) error {
	if len(trueLabels) != len(predicted) {
		return errors.Errorf("confusion matrix: got %d true labels but %d predictions", len(trueLabels), len(predicted))
	}
	for ii, trueLabel := range trueLabels {
		pred := predicted[ii]
		if trueLabel < 0 || trueLabel >= cm.numClasses || pred < 0 || pred >= cm.numClasses {
			return errors.Errorf("confusion matrix: example %d has label %d and prediction %d, but valid classes are 0 to %d",
				ii, trueLabel, pred, cm.numClasses-1)
		}
		cm.counts.Set(trueLabel, pred, cm.counts.At(trueLabel, pred)+1)
	}
	return nil
}

// Count of examples of class trueLabel predicted as pred.
func (cm *ConfusionMatrix) Count(trueLabel, pred int) int {
	return int(cm.counts.At(trueLabel, pred))
}

// Total number of examples added.
func (cm *ConfusionMatrix) Total() int {
	return int(mat.Sum(cm.counts))
}

// Correct is the number of examples correctly predicted.
func (cm *ConfusionMatrix) Correct() int {
	return int(mat.Trace(cm.counts))
}

// Accuracy is the fraction of correct predictions, 0 if empty.
func (cm *ConfusionMatrix) Accuracy() float64 {
	return safeDiv(mat.Trace(cm.counts), mat.Sum(cm.counts))
}

func (cm *ConfusionMatrix) truePositives(class int) float64 {
	return cm.counts.At(class, class)
}

// support is the number of examples whose true class is class.
func (cm *ConfusionMatrix) support(class int) float64 {
	return mat.Sum(cm.counts.RowView(class))
}

// predictedCount is the number of examples predicted as class.
func (cm *ConfusionMatrix) predictedCount(class int) float64 {
	return mat.Sum(cm.counts.ColView(class))
}

// Precision of class: the fraction of the examples predicted as class that are correct.
func (cm *ConfusionMatrix) Precision(class int) float64 {
	return safeDiv(cm.truePositives(class), cm.predictedCount(class))
}

// Recall of class: the fraction of the examples of class that were predicted correctly.
func (cm *ConfusionMatrix) Recall(class int) float64 {
	return safeDiv(cm.truePositives(class), cm.support(class))
}

// F1 score of class, the harmonic mean of its precision and recall.
func (cm *ConfusionMatrix) F1(class int) float64 {
	tp := cm.truePositives(class)
	return safeDiv(2*tp, cm.support(class)+cm.predictedCount(class))
}

// PresentClasses returns, in increasing order, the classes that appear either as true labels or as predictions.
func (cm *ConfusionMatrix) PresentClasses() []int {
	var present []int
	for class := range cm.numClasses {
		if cm.support(class) > 0 || cm.predictedCount(class) > 0 {
			present = append(present, class)
		}
	}
	return present
}

// F1Scores returns the F1 score of each of the PresentClasses.
func (cm *ConfusionMatrix) F1Scores() map[int]float64 {
	f1 := make(map[int]float64)
	for _, class := range cm.PresentClasses() {
		f1[class] = cm.F1(class)
	}
	return f1
}

// MacroF1 is the unweighted mean of the F1 scores of the PresentClasses.
func (cm *ConfusionMatrix) MacroF1() float64 {
	present := cm.PresentClasses()
	if len(present) == 0 {
		return 0
	}
	var sum float64
	for _, class := range present {
		sum += cm.F1(class)
	}
	return sum / float64(len(present))
}

// String pretty-prints the matrix, rows are true classes and columns predictions.
func (cm *ConfusionMatrix) String() string {
	return fmt.Sprintf("%v", mat.Formatted(cm.counts, mat.Squeeze()))
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
