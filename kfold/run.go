// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kfold fine-tunes an image classifier with stratified k-fold cross-validation.
//
// For each fold, a fresh model is trained for a fixed number of epochs on the training subset,
// and after each epoch it is evaluated on the validation subset, printing the accuracy and per-class F1
// scores. The trained model of each fold is saved in its own checkpoint directory.
//
// Example:
//
//	cfg := kfold.DefaultConfig
//	cfg.DataDir = "~/data/flowers"
//	cfg.Settings = "model=cnn;num_epochs=3"
//	results, err := kfold.Run(cfg)
package kfold

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kfold/folds"
	"github.com/gomlx/kfold/imagefolder"
	"github.com/gomlx/kfold/models"
	"github.com/gomlx/kfold/scores"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ClassesFileName is the file saved in each fold checkpoint directory with the class names, one per line,
// in the order of their labels.
const ClassesFileName = "classes.txt"

// Run the experiment configured by cfg. It returns the scores of every epoch of every fold trained.
//
// The context hyperparameters are CreateDefaultContext updated with cfg.Settings.
func Run(cfg Config) (results *Results, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	var runErr error
	err = exceptions.TryCatch[error](func() {
		cfg.DataDir = fsutil.MustReplaceTildeInDir(cfg.DataDir)
		cfg.CheckpointDir = fsutil.MustReplaceTildeInDir(cfg.CheckpointDir)
		r := &runner{cfg: cfg, out: cfg.output(), backend: cfg.Backend}
		results, runErr = r.run()
	})
	if err != nil {
		return nil, err
	}
	return results, runErr
}

// runner holds the state shared by the folds of one run.
type runner struct {
	cfg     Config
	out     io.Writer
	backend backends.Backend

	// settingsCtx holds the hyperparameters after cfg.Settings were applied, and paramsSet the
	// names of the hyperparameters changed by it.
	settingsCtx *context.Context
	paramsSet   []string

	folder *imagefolder.Folder
}

// newFoldContext returns a fresh context, with no variables, with the hyperparameters of the run.
func (r *runner) newFoldContext() (*context.Context, error) {
	ctx := CreateDefaultContext()
	if _, err := commandline.ParseContextSettings(ctx, r.cfg.Settings); err != nil {
		return nil, errors.WithMessage(err, "while parsing the context settings")
	}
	ctx.SetParam(models.ParamNumClasses, r.folder.NumClasses())
	return ctx, nil
}

func (r *runner) run() (*Results, error) {
	var err error
	r.settingsCtx = CreateDefaultContext()
	r.paramsSet, err = commandline.ParseContextSettings(r.settingsCtx, r.cfg.Settings)
	if err != nil {
		return nil, errors.WithMessage(err, "while parsing the context settings")
	}
	if err = validateHyperparameters(r.settingsCtx); err != nil {
		return nil, err
	}
	if r.cfg.Verbosity >= 2 && len(r.paramsSet) > 0 {
		fmt.Fprintln(r.out, commandline.SprintContextSettings(r.settingsCtx))
	}

	r.folder, err = imagefolder.Scan(r.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	numWorkers := context.GetParamOr(r.settingsCtx, ParamNumWorkers, 4)
	if r.cfg.VerifyImages {
		invalid := imagefolder.Verify(r.folder, numWorkers, r.cfg.Verbosity >= 1)
		if len(invalid) > 0 {
			klog.Warningf("Leaving out %d images that failed to decode", len(invalid))
			r.folder, err = r.folder.WithoutSamples(invalid)
			if err != nil {
				return nil, err
			}
		}
	}
	fmt.Fprintf(r.out, "Dataset %q: %d images, %d classes\n", r.folder.Root(), r.folder.Len(), r.folder.NumClasses())
	if r.cfg.Verbosity >= 2 {
		fmt.Fprintln(r.out, r.folder.Summary())
	}

	if err = models.Prepare(r.settingsCtx); err != nil {
		return nil, err
	}
	if r.backend == nil {
		r.backend = backends.MustNew()
	}

	splitter := folds.StratifiedKFold{
		NumFolds: context.GetParamOr(r.settingsCtx, ParamNumFolds, 5),
		Shuffle:  context.GetParamOr(r.settingsCtx, ParamShuffleFolds, true),
		Seed:     uint64(context.GetParamOr(r.settingsCtx, ParamSeed, 42)),
	}
	splits, err := splitter.Split(r.folder.Labels())
	if err != nil {
		return nil, err
	}
	if r.cfg.Verbosity >= 2 {
		fmt.Fprint(r.out, folds.Describe(splits, r.folder.Labels(), r.folder.NumClasses()))
	}

	selected := foldsToRun(r.settingsCtx)
	// Results of folds not trained in this run are kept from the previous results file.
	var previous []EpochRecord
	resultsPath := r.cfg.ResultsPath()
	if resultsPath != "" && (selected != nil || !r.cfg.Overwrite) {
		previous, err = loadPreviousResults(resultsPath, r.folder.Classes())
		if err != nil {
			return nil, err
		}
	}

	results := newResults(r.folder.Classes())
	for _, split := range splits {
		foldNum := split.Index + 1
		if selected != nil && !selected[foldNum] {
			results.Skipped = append(results.Skipped, foldNum)
			continue
		}
		foldDir := r.cfg.FoldDir(foldNum)
		if !r.cfg.Overwrite && fsutil.MustFileExists(foldDir) {
			klog.Infof("Skipping fold %d: checkpoint %q already exists", foldNum, foldDir)
			fmt.Fprintf(r.out, "Fold %d: checkpoint %q already exists, skipping.\n", foldNum, foldDir)
			results.Skipped = append(results.Skipped, foldNum)
			continue
		}
		if err = r.trainFold(split, foldDir, results); err != nil {
			return nil, errors.WithMessagef(err, "while training fold %d", foldNum)
		}
		results.Checkpoints[foldNum] = foldDir
	}
	if len(previous) > 0 {
		results.MergePrevious(previous, splitter.NumFolds)
	}

	if err = results.Print(r.out); err != nil {
		return nil, err
	}
	if resultsPath != "" && len(results.Records) > 0 {
		if err = results.SaveCSV(resultsPath); err != nil {
			return nil, err
		}
		klog.V(1).Infof("Results saved to %q", resultsPath)
	}
	return results, nil
}

// datasets creates the training (shuffled) and the validation datasets of a fold, and trainEvalDS, a non-shuffled
// view of the training subset without augmentation.
func (r *runner) datasets(ctx *context.Context, split folds.Fold) (trainDS, trainEvalDS, validationDS *imagefolder.Dataset) {
	foldNum := split.Index + 1
	imageSize := context.GetParamOr(ctx, ParamImageSize, 224)
	numWorkers := context.GetParamOr(ctx, ParamNumWorkers, 4)
	seed := uint64(context.GetParamOr(ctx, ParamSeed, 42))
	transform := imagefolder.Transform{Width: imageSize, Height: imageSize}

	trainTransform := transform
	trainTransform.FlipRandomly = context.GetParamOr(ctx, ParamRandomFlips, false)
	trainDS = imagefolder.NewDataset(fmt.Sprintf("Fold %d train", foldNum), r.folder, split.Train).
		BatchSize(context.GetParamOr(ctx, ParamBatchSize, 16)).
		NumWorkers(numWorkers).
		WithTransform(trainTransform).
		Shuffle(seed + uint64(split.Index))
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 16)
	trainEvalDS = imagefolder.NewDataset(fmt.Sprintf("Fold %d train (eval)", foldNum), r.folder, split.Train).
		BatchSize(evalBatchSize).
		NumWorkers(numWorkers).
		WithTransform(transform)
	validationDS = imagefolder.NewDataset(fmt.Sprintf("Fold %d validation", foldNum), r.folder, split.Validation).
		BatchSize(evalBatchSize).
		NumWorkers(numWorkers).
		WithTransform(transform)
	return
}

// trainFold trains a new model on the fold, evaluates it after every epoch and saves it in foldDir.
func (r *runner) trainFold(split folds.Fold, foldDir string, results *Results) error {
	foldNum := split.Index + 1
	ctx, err := r.newFoldContext()
	if err != nil {
		return err
	}
	ctx.RngStateFromSeed(int64(context.GetParamOr(ctx, ParamSeed, 42) + split.Index))
	modelFn, err := models.SelectModelFn(ctx)
	if err != nil {
		return err
	}
	trainDS, trainEvalDS, validationDS := r.datasets(ctx, split)
	klog.V(1).Infof("Fold %d: %d training images (%d steps per epoch), %d validation images",
		foldNum, trainDS.NumExamples(), trainDS.NumBatches(), validationDS.NumExamples())

	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	trainer := train.NewTrainer(r.backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		nil) // evalMetrics: the validation scores are computed by the Predictor
	loop := train.NewLoop(trainer)
	if r.cfg.Verbosity >= 1 {
		commandline.AttachProgressBar(loop)
	}

	var predictor *Predictor
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 10)
	for epoch := 1; epoch <= numEpochs; epoch++ {
		start := time.Now()
		trainMetrics, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return errors.WithMessagef(err, "while training epoch %d", epoch)
		}
		// Batch normalization layers are evaluated with the mean and variance of the whole training subset.
		updated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
		if err != nil {
			return errors.WithMessagef(err, "while updating batch normalization averages of epoch %d", epoch)
		}
		if updated {
			klog.V(1).Infof("Fold %d, epoch %d: updated batch normalization averages", foldNum, epoch)
			if r.cfg.Verbosity >= 2 {
				fmt.Fprintln(r.out, "\tUpdated batch normalization mean/variances averages.")
			}
		}
		if predictor == nil {
			// Variables only exist after the first training step.
			predictor, err = NewPredictor(r.backend, ctx, modelFn)
			if err != nil {
				return err
			}
		}
		cm, err := predictor.Evaluate(validationDS, r.folder.NumClasses())
		if err != nil {
			return errors.WithMessagef(err, "while evaluating epoch %d", epoch)
		}
		report := scores.NewEpochReport(foldNum, epoch, time.Since(start), cm, nil)
		if err = report.Print(r.out); err != nil {
			return err
		}
		results.addEpoch(report, metricsValues(trainer, trainMetrics))
		if klog.V(2).Enabled() {
			klog.Infof("Fold %d, epoch %d confusion matrix:\n%s", foldNum, epoch, cm)
		}
	}
	return r.saveFold(ctx, foldDir)
}

// metricsValues maps the short names of the training metrics to their values.
func metricsValues(trainer *train.Trainer, values []*tensors.Tensor) map[string]float64 {
	named := make(map[string]float64, len(values))
	for ii, metric := range trainer.TrainMetrics() {
		if ii >= len(values) || values[ii] == nil || !values[ii].IsScalar() {
			continue
		}
		switch values[ii].DType() {
		case dtypes.Float32:
			named[metric.ShortName()] = float64(tensors.ToScalar[float32](values[ii]))
		case dtypes.Float64:
			named[metric.ShortName()] = tensors.ToScalar[float64](values[ii])
		}
	}
	return named
}

// saveFold saves the model variables and hyperparameters of the fold into foldDir, replacing any previous
// checkpoint there, along with the class names.
// Only the variables of the model scope are saved: the optimizer state and other training variables are left out,
// since checkpoints are meant for inference.
func (r *runner) saveFold(ctx *context.Context, foldDir string) error {
	if fsutil.MustFileExists(foldDir) {
		klog.Infof("Replacing existing checkpoint %q", foldDir)
		if err := os.RemoveAll(foldDir); err != nil {
			return errors.Wrapf(err, "failed to remove existing checkpoint %q", foldDir)
		}
	}
	trainingVars := trainingVariables(ctx)
	checkpoint, err := checkpoints.Build(ctx).
		Dir(foldDir).
		Keep(1).
		ExcludeParams(ParamsExcludedFromSaving...).
		ExcludeVars(trainingVars...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "while creating checkpoint %q", foldDir)
	}
	if err = checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "while saving checkpoint %q", foldDir)
	}
	classesPath := filepath.Join(foldDir, ClassesFileName)
	contents := strings.Join(r.folder.Classes(), "\n") + "\n"
	if err = os.WriteFile(classesPath, []byte(contents), 0644); err != nil {
		return errors.Wrapf(err, "failed to write class names to %q", classesPath)
	}
	fmt.Fprintf(r.out, "Saved model to %s\n", foldDir)
	return nil
}

// trainingVariables returns the variables of ctx outside the model scope, e.g. the optimizer and the global step.
func trainingVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if !isModelScope(v.Scope()) {
			vars = append(vars, v)
		}
	}
	return vars
}

func isModelScope(scope string) bool {
	modelScope := context.ScopeSeparator + models.Scope
	return scope == modelScope || strings.HasPrefix(scope, modelScope+context.ScopeSeparator)
}
