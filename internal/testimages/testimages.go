// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testimages writes small synthetic directory-per-class image datasets for tests.
package testimages

import (
	"fmt"
	"image"
	"image/color"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Palette of base colors, one per class. Classes beyond its length reuse the colors, darker.
var Palette = []color.NRGBA{
	{R: 220, G: 30, B: 30, A: 255},
	{R: 30, G: 200, B: 40, A: 255},
	{R: 40, G: 60, B: 230, A: 255},
	{R: 230, G: 210, B: 40, A: 255},
}

// Spec describes a synthetic dataset.
type Spec struct {
	// Classes maps class names (subdirectory names) to the number of images to generate.
	Classes map[string]int

	// Width and Height of the generated images.
	Width, Height int

	// Ext is the file extension, which defines the format. Defaults to ".png".
	Ext string

	// Seed for the noise added to the images.
	Seed uint64
}

// Write the dataset under root and returns the paths written.
//
// Images of class i (in sorted class-name order) are filled with Palette[i] plus a small noise,
// so a model can easily tell them apart.
func Write(root string, spec Spec) ([]string, error) {
	ext := spec.Ext
	if ext == "" {
		ext = ".png"
	}
	rng := rand.New(rand.NewPCG(spec.Seed, 1))
	var paths []string
	for classIdx, name := range sortedNames(spec.Classes) {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create class directory %q", dir)
		}
		base := Palette[classIdx%len(Palette)]
		if classIdx >= len(Palette) {
			base = color.NRGBA{R: base.R / 2, G: base.G / 2, B: base.B / 2, A: 255}
		}
		for ii := range spec.Classes[name] {
			img := image.NewNRGBA(image.Rect(0, 0, spec.Width, spec.Height))
			for y := range spec.Height {
				for x := range spec.Width {
					noise := uint8(rng.IntN(20))
					img.SetNRGBA(x, y, color.NRGBA{
						R: base.R + noise,
						G: base.G + noise,
						B: base.B + noise,
						A: 255,
					})
				}
			}
			path := filepath.Join(dir, fmt.Sprintf("img_%03d%s", ii, ext))
			if err := imaging.Save(img, path); err != nil {
				return nil, errors.Wrapf(err, "failed to save %q", path)
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// WriteCorrupt writes a file with an image extension but invalid contents.
func WriteCorrupt(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("not an image"), 0644)
}

func sortedNames(classes map[string]int) []string {
	return slices.Sorted(maps.Keys(classes))
}
