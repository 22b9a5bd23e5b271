// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kfold/internal/testimages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFolder(t *testing.T, classes map[string]int) string {
	root := t.TempDir()
	_, err := testimages.Write(root, testimages.Spec{Classes: classes, Width: 12, Height: 10, Seed: 7})
	require.NoError(t, err)
	return root
}

func TestScan(t *testing.T) {
	root := writeTestFolder(t, map[string]int{"zebra": 3, "ant": 2, "moose": 4})
	// Files without an image extension are ignored, and subdirectories are followed.
	require.NoError(t, os.WriteFile(filepath.Join(root, "ant", "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "moose", "more"), 0755))
	_, err := testimages.Write(filepath.Join(root, "moose", "more"),
		testimages.Spec{Classes: map[string]int{"deep": 1}, Width: 4, Height: 4, Ext: ".JPG"})
	require.NoError(t, err)

	f, err := Scan(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"ant", "moose", "zebra"}, f.Classes())
	assert.Equal(t, 3, f.NumClasses())
	assert.Equal(t, 10, f.Len())
	assert.Equal(t, []int{2, 5, 3}, f.ClassCounts())
	assert.Equal(t, []int{0, 0, 1, 1, 1, 1, 1, 2, 2, 2}, f.Labels())
	for ii := range f.Len() {
		classDir := filepath.Join(root, f.Classes()[f.Label(ii)]) + string(filepath.Separator)
		assert.True(t, strings.HasPrefix(f.Path(ii), classDir), "sample %d: %q", ii, f.Path(ii))
	}
	assert.Contains(t, f.Summary(), "moose")
	assert.Equal(t, root, f.Root())
}

func TestScanErrors(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	empty := t.TempDir()
	_, err = Scan(empty)
	require.ErrorContains(t, err, "no class subdirectories")

	root := writeTestFolder(t, map[string]int{"a": 2})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "readme.md"), []byte("x"), 0644))
	_, err = Scan(root)
	require.ErrorContains(t, err, `class "b"`)
}

func TestVerifyAndWithoutSamples(t *testing.T) {
	root := writeTestFolder(t, map[string]int{"a": 3, "b": 2})
	badPath := filepath.Join(root, "b", "zz_bad.png")
	require.NoError(t, testimages.WriteCorrupt(badPath))
	f, err := Scan(root)
	require.NoError(t, err)
	require.Equal(t, 6, f.Len())

	invalid := Verify(f, 3, false)
	require.Equal(t, []string{badPath}, invalid)

	clean, err := f.WithoutSamples(invalid)
	require.NoError(t, err)
	assert.Equal(t, 5, clean.Len())
	assert.Equal(t, []int{3, 2}, clean.ClassCounts())
	assert.Equal(t, f.Classes(), clean.Classes())

	// Removing all images of a class fails.
	_, err = f.WithoutSamples([]string{f.Path(3), f.Path(4), badPath})
	require.Error(t, err)
}

func TestDataset(t *testing.T) {
	root := writeTestFolder(t, map[string]int{"a": 4, "b": 3})
	f, err := Scan(root)
	require.NoError(t, err)

	indices := []int{0, 2, 3, 4, 6}
	ds := NewDataset("test", f, indices).
		BatchSize(2).
		NumWorkers(2).
		WithTransform(Transform{Width: 8, Height: 6})
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, 5, ds.NumExamples())
	assert.Equal(t, 3, ds.NumBatches())
	assert.Equal(t, []int{0, 0, 0, 1, 1}, ds.Labels())

	var gotLabels []int32
	var batchSizes []int
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Nil(t, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		batchSize := inputs[0].Shape().Dimensions[0]
		batchSizes = append(batchSizes, batchSize)
		assert.Equal(t, []int{batchSize, 6, 8, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, inputs[0].DType())
		assert.Equal(t, []int{batchSize, 1}, labels[0].Shape().Dimensions)
		assert.Equal(t, dtypes.Int32, labels[0].DType())
		tensors.MustConstFlatData[float32](inputs[0], func(flat []float32) {
			for _, v := range flat {
				require.True(t, v >= 0 && v <= 1)
			}
		})
		gotLabels = append(gotLabels, tensors.MustCopyFlatData[int32](labels[0])...)
	}
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
	assert.Equal(t, []int32{0, 0, 0, 1, 1}, gotLabels)

	// After the end, it keeps returning io.EOF until Reset.
	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])

	// Dropping the incomplete batch.
	ds.DropIncompleteBatch(true)
	ds.Reset()
	assert.Equal(t, 2, ds.NumBatches())
	count := 0
	for {
		_, _, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestDatasetShuffle(t *testing.T) {
	root := writeTestFolder(t, map[string]int{"a": 6, "b": 6})
	f, err := Scan(root)
	require.NoError(t, err)

	epochOrder := func(ds *Dataset) []int32 {
		var labels []int32
		for {
			images, batchLabels, err := ds.YieldImages()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.Len(t, images, len(batchLabels))
			labels = append(labels, batchLabels...)
		}
		return labels
	}

	ds1 := NewDataset("train", f, nil).BatchSize(5).WithTransform(Transform{Width: 4, Height: 4}).Shuffle(42)
	ds2 := NewDataset("train", f, nil).BatchSize(5).WithTransform(Transform{Width: 4, Height: 4}).Shuffle(42)
	order1, order2 := epochOrder(ds1), epochOrder(ds2)
	assert.Equal(t, order1, order2, "same seed should yield the same order")
	assert.Len(t, order1, 12)
	sorted := slices.Clone(order1)
	slices.Sort(sorted)
	assert.Equal(t, []int32{0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1}, sorted)

	// Reset reshuffles: at least one of a few epochs differs from the first.
	differs := false
	for range 5 {
		ds1.Reset()
		if !slices.Equal(order1, epochOrder(ds1)) {
			differs = true
			break
		}
	}
	assert.True(t, differs)
}

func TestTransform(t *testing.T) {
	root := writeTestFolder(t, map[string]int{"a": 1})
	f, err := Scan(root)
	require.NoError(t, err)
	tr := Transform{Width: 5, Height: 3, FlipRandomly: true}
	img, err := tr.Load(f.Path(0), true)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())
	assert.False(t, Transform{Width: 5, Height: 3}.DrawFlip(nil))

	_, err = tr.Load(filepath.Join(root, "missing.png"), false)
	require.Error(t, err)
}
