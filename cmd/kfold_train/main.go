// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kfold_train fine-tunes an image classifier with stratified k-fold cross-validation, printing the
// validation accuracy and per-class F1 scores after every epoch, and saving one checkpoint per fold.
//
// The images are read from a directory with one subdirectory per class:
//
//	$ kfold_train -data=~/data/flowers -set="num_epochs=3;model=cnn"
//
// Use -help to list all hyperparameters that can be changed with -set.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/kfold/kfold"
	"github.com/gomlx/kfold/models"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", kfold.DefaultConfig.DataDir,
		"Directory with one subdirectory of images per class.")
	flagCheckpointDir = flag.String("checkpoint_dir", kfold.DefaultConfig.CheckpointDir,
		"Directory where the fold checkpoints are saved.")
	flagCheckpointPrefix = flag.String("checkpoint_prefix", kfold.DefaultConfig.CheckpointPrefix,
		"Prefix of the checkpoint of each fold: the fold number (starting from 1) is appended to it.")
	flagResults = flag.String("results", kfold.DefaultConfig.ResultsFile,
		"CSV file with the scores of every epoch. Relative paths are taken from -checkpoint_dir. Empty to disable.")
	flagVerbosity = flag.Int("verbosity", kfold.DefaultConfig.Verbosity,
		"Level of verbosity: 0 prints only the scores, 1 adds progress bars, 2 adds the datasets description.")
	flagOverwrite = flag.Bool("overwrite", kfold.DefaultConfig.Overwrite,
		"Overwrite existing fold checkpoints. If false, folds with an existing checkpoint are skipped.")
	flagVerify = flag.Bool("verify", false,
		"Decode every image before training, and leave out the ones that fail.")
	flagWeights = flag.String("weights", "",
		fmt.Sprintf("Directory where pretrained weights are downloaded to. Defaults to %q.", models.DefaultWeightsDir))
)

func main() {
	klog.InitFlags(nil)
	ctx := kfold.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()

	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	cfg := kfold.DefaultConfig
	cfg.DataDir = *flagDataDir
	cfg.CheckpointDir = *flagCheckpointDir
	cfg.CheckpointPrefix = *flagCheckpointPrefix
	cfg.ResultsFile = *flagResults
	cfg.Settings = *settings
	if *flagWeights != "" {
		cfg.Settings += fmt.Sprintf(";%s=%s", models.ParamWeightsDir, *flagWeights)
	}
	cfg.Verbosity = *flagVerbosity
	cfg.Overwrite = *flagOverwrite
	cfg.VerifyImages = *flagVerify
	cfg.Output = os.Stdout
	cfg.Backend = backend

	results := must.M1(kfold.Run(cfg))
	klog.V(1).Infof("Run %s: %d epoch records, %d folds skipped", results.RunID, len(results.Records), len(results.Skipped))
}
