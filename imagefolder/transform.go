// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Transform configures how an image file is turned into the fixed size image fed to the model.
//
// The conversion to tensor (values from 0 to 1, RGB, channels last) is done by Dataset.
type Transform struct {
	// Width and Height of the output image. Images are resized without preserving the aspect ratio.
	Width, Height int

	// FlipRandomly horizontally flips half of the images. Only use it for training datasets.
	FlipRandomly bool
}

// DefaultTransform resizes images to 224x224, the input size of the networks pretrained on ImageNet.
func DefaultTransform() Transform {
	return Transform{Width: 224, Height: 224}
}

// Load decodes the image file and applies the transformation.
// flip is only honored if FlipRandomly is set, see DrawFlip.
func (tr Transform) Load(path string, flip bool) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return tr.Apply(img, flip), nil
}

// DrawFlip returns whether the next image should be flipped. It is always false if FlipRandomly is not set.
func (tr Transform) DrawFlip(rng *rand.Rand) bool {
	return tr.FlipRandomly && rng != nil && rng.IntN(2) == 1
}

// Apply the transformation to an already decoded image.
func (tr Transform) Apply(img image.Image, flip bool) image.Image {
	var out *image.NRGBA
	size := img.Bounds().Size()
	if size.X != tr.Width || size.Y != tr.Height {
		out = imaging.Resize(img, tr.Width, tr.Height, imaging.Lanczos)
	} else {
		out = imaging.Clone(img)
	}
	if tr.FlipRandomly && flip {
		out = imaging.FlipH(out)
	}
	return out
}
