// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scores

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(4)
	require.NoError(t, cm.Add([]int{0, 0, 1}, []int{0, 1, 1}))
	require.NoError(t, cm.Add([]int{1, 2}, []int{1, 0}))

	assert.Equal(t, 5, cm.Total())
	assert.Equal(t, 3, cm.Correct())
	assert.Equal(t, 2, cm.Count(1, 1))
	assert.Equal(t, 1, cm.Count(2, 0))
	assert.InDelta(t, 0.6, cm.Accuracy(), 1e-9)

	assert.InDelta(t, 0.5, cm.Precision(0), 1e-9)
	assert.InDelta(t, 0.5, cm.Recall(0), 1e-9)
	assert.InDelta(t, 0.5, cm.F1(0), 1e-9)
	assert.InDelta(t, 2.0/3.0, cm.Precision(1), 1e-9)
	assert.InDelta(t, 1.0, cm.Recall(1), 1e-9)
	assert.InDelta(t, 0.8, cm.F1(1), 1e-9)
	// Zero denominators.
	assert.Equal(t, 0.0, cm.Precision(2))
	assert.Equal(t, 0.0, cm.F1(2))
	assert.Equal(t, 0.0, cm.F1(3))

	// Class 3 is neither in the labels nor in the predictions.
	assert.Equal(t, []int{0, 1, 2}, cm.PresentClasses())
	f1 := cm.F1Scores()
	require.Len(t, f1, 3)
	assert.InDelta(t, 0.8, f1[1], 1e-9)
	assert.InDelta(t, 1.3/3.0, cm.MacroF1(), 1e-9)
	assert.Contains(t, cm.String(), "2")
}

func TestConfusionMatrixErrors(t *testing.T) {
	cm := NewConfusionMatrix(2)
	require.Error(t, cm.Add([]int{0}, []int{0, 1}))
	require.Error(t, cm.Add([]int{2}, []int{0}))
	require.Error(t, cm.Add([]int{0}, []int{-1}))
	assert.Equal(t, 0, cm.Total())
	assert.Equal(t, 0.0, cm.Accuracy())
	assert.Equal(t, 0.0, cm.MacroF1())
	assert.Panics(t, func() { NewConfusionMatrix(0) })
}

func TestEpochReport(t *testing.T) {
	cm := NewConfusionMatrix(3)
	require.NoError(t, cm.Add([]int{0, 0, 2, 2}, []int{0, 2, 2, 2}))
	report := NewEpochReport(2, 3, 1500*time.Millisecond, cm, nil)
	var buf bytes.Buffer
	require.NoError(t, report.Print(&buf))
	want := "F1 Scores (Fold 2, Epoch 3, sec 1.5):\n" +
		"Class 0: 0.6667\n" +
		"Class 2: 0.8000\n" +
		"Accuracy (Fold 2, Epoch 3, sec 1.5): 0.7500\n"
	assert.Equal(t, want, buf.String())
	assert.InDelta(t, (2.0/3.0+0.8)/2, report.MacroF1(), 1e-9)

	report.ClassNames = []string{"cat", "dog", "fox"}
	buf.Reset()
	require.NoError(t, report.Print(&buf))
	assert.Contains(t, buf.String(), "Class 2 (fox): 0.8000\n")
}
