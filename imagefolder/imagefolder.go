// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder reads a labeled image dataset laid out as one subdirectory per class:
//
//	root/
//	  cat/001.jpg
//	  cat/002.png
//	  dog/a/b/003.jpeg
//
// Classes are the sorted names of the subdirectories of root, numbered from 0. Every file
// under a class directory (recursively) with a known image extension is a sample of that class.
//
// A Folder only holds the paths and labels. Use Dataset to create a train.Dataset that decodes
// and transforms the images in batches.
package imagefolder

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Extensions accepted as images, compared in lower case.
var Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}

// Folder is the index of a directory-per-class image dataset.
type Folder struct {
	root    string
	classes []string
	paths   []string
	labels  []int
}

// Scan indexes the directory root.
//
// It returns an error if root doesn't exist, has no class subdirectories or if any class has no image file.
func Scan(root string) (*Folder, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot access image folder %q", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("image folder %q is not a directory", root)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list classes in %q", root)
	}
	f := &Folder{root: root}
	for _, entry := range entries {
		if !isDir(root, entry) {
			continue
		}
		f.classes = append(f.classes, entry.Name())
	}
	if len(f.classes) == 0 {
		return nil, errors.Errorf("no class subdirectories found in %q", root)
	}
	slices.Sort(f.classes)

	for classIdx, className := range f.classes {
		classDir := filepath.Join(root, className)
		count := 0
		err = filepath.WalkDir(classDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsImageFile(path) {
				return nil
			}
			f.paths = append(f.paths, path)
			f.labels = append(f.labels, classIdx)
			count++
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan class directory %q", classDir)
		}
		if count == 0 {
			return nil, errors.Errorf("found no valid image file for class %q in %q (supported extensions: %s)",
				className, classDir, strings.Join(Extensions, ", "))
		}
	}
	klog.V(1).Infof("Scanned %q: %s images in %d classes", root, humanize.Comma(int64(len(f.paths))), len(f.classes))
	return f, nil
}

// isDir follows symbolic links.
func isDir(root string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(root, entry.Name()))
	return err == nil && info.IsDir()
}

// IsImageFile returns whether the path has one of the Extensions.
func IsImageFile(path string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(path)))
}

// Root directory of the Folder.
func (f *Folder) Root() string { return f.root }

// Classes returns the class names, indexed by label.
func (f *Folder) Classes() []string { return f.classes }

// NumClasses in the folder.
func (f *Folder) NumClasses() int { return len(f.classes) }

// Len is the number of samples.
func (f *Folder) Len() int { return len(f.paths) }

// Labels of all samples, in sample order. Don't modify it.
func (f *Folder) Labels() []int { return f.labels }

// Path of sample i.
func (f *Folder) Path(i int) string { return f.paths[i] }

// Label of sample i.
func (f *Folder) Label(i int) int { return f.labels[i] }

// ClassCounts returns the number of samples per class.
func (f *Folder) ClassCounts() []int {
	counts := make([]int, len(f.classes))
	for _, label := range f.labels {
		counts[label]++
	}
	return counts
}

// WithoutSamples returns a new Folder excluding the given paths.
// It fails if a class ends up empty.
func (f *Folder) WithoutSamples(paths []string) (*Folder, error) {
	if len(paths) == 0 {
		return f, nil
	}
	exclude := make(map[string]bool, len(paths))
	for _, p := range paths {
		exclude[p] = true
	}
	newF := &Folder{root: f.root, classes: f.classes}
	for i, p := range f.paths {
		if exclude[p] {
			continue
		}
		newF.paths = append(newF.paths, p)
		newF.labels = append(newF.labels, f.labels[i])
	}
	for classIdx, count := range newF.ClassCounts() {
		if count == 0 {
			return nil, errors.Errorf("class %q has no readable images left", f.classes[classIdx])
		}
	}
	return newF, nil
}

// Summary returns a multi-line description of the classes and their number of samples.
func (f *Folder) Summary() string {
	var sb strings.Builder
	counts := f.ClassCounts()
	width := 0
	for _, name := range f.classes {
		width = max(width, len(name))
	}
	_, _ = fmt.Fprintf(&sb, "Image folder %q: %s images, %d classes\n",
		f.root, humanize.Comma(int64(f.Len())), f.NumClasses())
	for classIdx, name := range f.classes {
		_, _ = fmt.Fprintf(&sb, "\t%3d: %-*s %6s images (%.1f%%)\n", classIdx, width, name,
			humanize.Comma(int64(counts[classIdx])), 100*float64(counts[classIdx])/float64(f.Len()))
	}
	return sb.String()
}
