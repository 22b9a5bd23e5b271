// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	"os"
	"slices"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Verify tries to decode every image of the folder, using numWorkers goroutines, and returns
// the paths of the files that could not be read, sorted.
//
// If verbose, it displays a progress bar.
func Verify(f *Folder, numWorkers int, verbose bool) (invalid []string) {
	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(f.Len(),
			progressbar.OptionSetDescription("Verifying images"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(numWorkers, 1))
	for ii := range f.Len() {
		path := f.Path(ii)
		g.Go(func() error {
			err := decodeImage(path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				klog.Warningf("Invalid image %q: %v", path, err)
				invalid = append(invalid, path)
			}
			if pBar != nil {
				_ = pBar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if pBar != nil {
		_ = pBar.Finish()
	}
	slices.Sort(invalid)
	return
}

// decodeImage decodes the whole file, not only its header, so truncated files are caught.
func decodeImage(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()
	_, _, err = image.Decode(file)
	return err
}
