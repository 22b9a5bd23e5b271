// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kfold_classify classifies image files with a fold model saved by kfold_train:
//
//	$ kfold_classify -checkpoint=modelmc_fold1 image1.jpg image2.png
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/kfold/classifier"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var flagCheckpoint = flag.String("checkpoint", "modelmc_fold1", "Checkpoint directory of the fold model to use.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	paths := flag.Args()
	if len(paths) == 0 {
		klog.Errorf("Missing image files to classify. See 'kfold_classify -help'")
		os.Exit(1)
	}

	c := must.M1(classifier.New(backends.MustNew(), *flagCheckpoint))
	labels := must.M1(c.ClassifyFiles(paths))
	for ii, path := range paths {
		fmt.Printf("%s\t%d\t%s\n", path, labels[ii], c.Classes()[labels[ii]])
	}
}
