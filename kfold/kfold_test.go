// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kfold

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/kfold/internal/testimages"
	"github.com/gomlx/kfold/models"
	"github.com/gomlx/kfold/momentum"
	"github.com/gomlx/kfold/scores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, 5, context.GetParamOr(ctx, ParamNumFolds, 0))
	assert.Equal(t, 10, context.GetParamOr(ctx, ParamNumEpochs, 0))
	assert.Equal(t, 16, context.GetParamOr(ctx, ParamBatchSize, 0))
	assert.Equal(t, 224, context.GetParamOr(ctx, ParamImageSize, 0))
	assert.Equal(t, momentum.Name, context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, 0.001, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 0.9, context.GetParamOr(ctx, momentum.ParamMomentum, 0.0))
	assert.Equal(t, models.DefaultModel, context.GetParamOr(ctx, models.ParamModel, ""))
	assert.Nil(t, foldsToRun(ctx))

	paramsSet, err := commandline.ParseContextSettings(ctx, "num_epochs=2;model=cnn;folds_to_run=1,3")
	require.NoError(t, err)
	assert.Len(t, paramsSet, 3)
	assert.Equal(t, 2, context.GetParamOr(ctx, ParamNumEpochs, 0))
	assert.Equal(t, map[int]bool{1: true, 3: true}, foldsToRun(ctx))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(".", "modelmc_fold3"), cfg.FoldDir(3))
	assert.Equal(t, "kfold_results.csv", cfg.ResultsPath())

	cfg.CheckpointDir = "/tmp/ckpt"
	assert.Equal(t, "/tmp/ckpt/kfold_results.csv", cfg.ResultsPath())
	cfg.ResultsFile = "/var/results.csv"
	assert.Equal(t, "/var/results.csv", cfg.ResultsPath())
	cfg.ResultsFile = ""
	assert.Equal(t, "", cfg.ResultsPath())

	cfg = DefaultConfig
	cfg.DataDir = ""
	require.ErrorContains(t, cfg.Validate(), "DataDir is required")

	cfg = DefaultConfig
	cfg.Verbosity = 3
	require.ErrorContains(t, cfg.Validate(), "Verbosity must be less than or equal to 2")

	cfg = DefaultConfig
	cfg.CheckpointPrefix = "models/fold"
	require.ErrorContains(t, cfg.Validate(), "CheckpointPrefix must not contain path separators")

	_, err := Run(cfg)
	require.Error(t, err)
}

func TestRunValidatesHyperparameters(t *testing.T) {
	for settings, want := range map[string]string{
		"batch_size=0":      `"batch_size" must be greater than or equal to 1, got 0`,
		"num_epochs=0":      `"num_epochs" must be greater than or equal to 1, got 0`,
		"num_folds=1":       `"num_folds" must be greater than or equal to 2, got 1`,
		"eval_batch_size=0": `"eval_batch_size" must be greater than or equal to 1, got 0`,
	} {
		cfg := DefaultConfig
		cfg.DataDir = filepath.Join(t.TempDir(), "missing")
		cfg.Settings = settings
		cfg.Output = io.Discard
		_, err := Run(cfg)
		require.ErrorContains(t, err, want, "settings %q", settings)
	}
}

func TestIsModelScope(t *testing.T) {
	assert.True(t, isModelScope("/model"))
	assert.True(t, isModelScope("/model/readout"))
	assert.False(t, isModelScope("/models"))
	assert.False(t, isModelScope("/MomentumOptimizer/model/readout"))
	assert.False(t, isModelScope("/adam/model"))
	assert.False(t, isModelScope("/"))
}

func testReport(fold, epoch int, truth, predicted []int) *scores.EpochReport {
	cm := scores.NewConfusionMatrix(3)
	if err := cm.Add(truth, predicted); err != nil {
		panic(err)
	}
	return scores.NewEpochReport(fold, epoch, time.Second, cm, nil)
}

// trainerMetrics returns values for the short names of the metrics reported by train.Trainer.
func trainerMetrics(loss float64) map[string]float64 {
	return map[string]float64{"loss": loss, "loss+": loss + 0.5, "~loss": loss, "~loss+": loss + 0.5, "~acc": 0.5}
}

func TestResults(t *testing.T) {
	results := newResults([]string{"ant", "bee", "cat"})
	results.addEpoch(testReport(1, 1, []int{0, 1, 2, 2}, []int{0, 0, 2, 2}), trainerMetrics(1.5))
	results.addEpoch(testReport(1, 2, []int{0, 1, 2, 2}, []int{0, 1, 2, 2}), trainerMetrics(0.5))
	results.addEpoch(testReport(2, 1, []int{0, 0, 2, 2}, []int{0, 0, 2, 0}), trainerMetrics(1.0))
	results.addEpoch(testReport(2, 2, []int{0, 0, 2, 2}, []int{0, 0, 2, 2}), trainerMetrics(0.25))
	results.Skipped = []int{3}

	finals := results.FinalRecords()
	require.Len(t, finals, 2)
	assert.Equal(t, 1, finals[0].Fold)
	assert.Equal(t, 2, finals[0].Epoch)
	assert.Equal(t, 2, finals[1].Fold)

	accMean, accStdDev, f1Mean, f1StdDev := results.Summary()
	assert.InDelta(t, 1.0, accMean, 1e-9)
	assert.InDelta(t, 0.0, accStdDev, 1e-9)
	assert.InDelta(t, 1.0, f1Mean, 1e-9)
	assert.InDelta(t, 0.0, f1StdDev, 1e-9)

	var buf bytes.Buffer
	require.NoError(t, results.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "run_id,fold,epoch,seconds,"+
		"train_loss,train_loss_reg,train_avg_acc,train_avg_loss,train_avg_loss_reg,"+
		"accuracy,macro_f1,f1_ant,f1_bee,f1_cat", lines[0])
	assert.True(t, strings.HasPrefix(lines[1],
		results.RunID+",1,1,1.0000,1.5000,2.0000,0.5000,1.5000,2.0000,0.7500,"), lines[1])
	// Class "bee" (1) is absent from both labels and predictions of fold 2.
	assert.True(t, strings.HasSuffix(lines[4], ",1.0000,,1.0000"), lines[4])

	buf.Reset()
	require.NoError(t, results.Print(&buf))
	assert.Contains(t, buf.String(), "Accuracy: 1.0000 ± 0.0000")
	assert.Contains(t, buf.String(), "Skipped folds: [3]")
}

func TestMetricColumn(t *testing.T) {
	for shortName, column := range map[string]string{
		"loss":   "train_loss",
		"loss+":  "train_loss_reg",
		"~loss":  "train_avg_loss",
		"~loss+": "train_avg_loss_reg",
		"#acc":   "train_mean_acc",
	} {
		assert.Equal(t, column, metricColumn(shortName))
		assert.Equal(t, shortName, metricShortName(column))
	}
}

func TestLoadCSVAndMergePrevious(t *testing.T) {
	classNames := []string{"ant", "bee", "cat"}
	earlier := newResults(classNames)
	earlier.addEpoch(testReport(1, 1, []int{0, 1, 2, 2}, []int{0, 0, 2, 2}), trainerMetrics(1.5))
	earlier.addEpoch(testReport(2, 1, []int{0, 0, 2, 2}, []int{0, 0, 2, 0}), trainerMetrics(1.0))
	earlier.addEpoch(testReport(3, 1, []int{0, 0, 2, 2}, []int{0, 0, 2, 2}), trainerMetrics(0.5))
	var buf bytes.Buffer
	require.NoError(t, earlier.WriteCSV(&buf))

	previous, err := LoadCSV(bytes.NewReader(buf.Bytes()), classNames)
	require.NoError(t, err)
	require.Len(t, previous, 3)
	assert.Equal(t, earlier.RunID, previous[0].RunID)
	assert.Equal(t, 1, previous[0].Fold)
	assert.Equal(t, time.Second, previous[0].Duration)
	assert.InDelta(t, 0.75, previous[0].Accuracy, 1e-4)
	assert.InDelta(t, earlier.Records[0].MacroF1, previous[0].MacroF1, 1e-4)
	assert.InDeltaMapValues(t, trainerMetrics(1.5), previous[0].TrainMetrics, 1e-4)
	// Class "bee" (1) is absent from both labels and predictions of fold 2.
	assert.NotContains(t, previous[1].F1, 1)
	assert.InDelta(t, 0.8, previous[1].F1[0], 1e-4)

	_, err = LoadCSV(bytes.NewReader(buf.Bytes()), []string{"ant", "cat"})
	require.ErrorContains(t, err, "classes")

	// Fold 2 is trained again, fold 3 is beyond the number of folds.
	results := newResults(classNames)
	results.addEpoch(testReport(2, 1, []int{0, 0, 2, 2}, []int{0, 0, 2, 2}), trainerMetrics(0.25))
	results.MergePrevious(previous, 2)
	require.Len(t, results.Records, 2)
	assert.Equal(t, 1, results.Records[0].Fold)
	assert.Equal(t, earlier.RunID, results.Records[0].RunID)
	assert.Equal(t, 2, results.Records[1].Fold)
	assert.Equal(t, results.RunID, results.Records[1].RunID)
	assert.InDelta(t, 1.0, results.Records[1].Accuracy, 1e-9)

	buf.Reset()
	require.NoError(t, results.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], earlier.RunID+",1,1,"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], results.RunID+",2,1,"), lines[2])
}

func TestResultsSummaryStdDev(t *testing.T) {
	results := newResults([]string{"a", "b", "c"})
	results.addEpoch(testReport(1, 1, []int{0, 1}, []int{0, 1}), nil)
	results.addEpoch(testReport(2, 1, []int{0, 1}, []int{0, 0}), nil)
	accMean, accStdDev, _, _ := results.Summary()
	assert.InDelta(t, 0.75, accMean, 1e-9)
	// Sample standard deviation of {1, 0.5}.
	assert.InDelta(t, 0.3535534, accStdDev, 1e-6)
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping training test in short mode.")
	}
	backend := graphtest.BuildTestBackend()
	if strings.Contains(backend.Name(), "SimpleGo") {
		t.Skipf("Backend %q doesn't support training convolutions with batch normalization.", backend.Name())
	}
	dataDir := t.TempDir()
	_, err := testimages.Write(dataDir, testimages.Spec{
		Classes: map[string]int{"red": 6, "green": 6, "blue": 4},
		Width:   20, Height: 16, Seed: 3,
	})
	require.NoError(t, err)

	checkpointDir := t.TempDir()
	var out bytes.Buffer
	cfg := DefaultConfig
	cfg.DataDir = dataDir
	cfg.CheckpointDir = checkpointDir
	// Two convolution layers: the second one is preceded by batch normalization.
	cfg.Settings = "model=cnn;num_folds=2;num_epochs=2;image_size=16;batch_size=4;cnn_num_layers=2;cnn_channels=4;cnn_embeddings_size=8"
	cfg.Verbosity = 2
	cfg.Output = &out
	cfg.Backend = backend

	results, err := Run(cfg)
	require.NoError(t, err)
	require.Len(t, results.Records, 4)
	assert.Equal(t, []string{"blue", "green", "red"}, results.ClassNames)
	assert.Empty(t, results.Skipped)
	require.Len(t, results.Checkpoints, 2)
	for fold := 1; fold <= 2; fold++ {
		foldDir := cfg.FoldDir(fold)
		assert.Equal(t, foldDir, results.Checkpoints[fold])
		classes, err := os.ReadFile(filepath.Join(foldDir, ClassesFileName))
		require.NoError(t, err)
		assert.Equal(t, "blue\ngreen\nred\n", string(classes))

		// Only the model variables are saved, including the batch normalization averages.
		checkpoint, err := checkpoints.Load(context.New()).Dir(foldDir).Immediate().Done()
		require.NoError(t, err)
		var hasAverages bool
		for paramName := range checkpoint.LoadedVariables() {
			scope, name := context.VariableScopeAndNameFromParameterName(paramName)
			assert.True(t, isModelScope(scope), "variable %q saved outside the model scope", paramName)
			hasAverages = hasAverages || name == "mean"
		}
		assert.True(t, hasAverages, "batch normalization averages missing from checkpoint")
	}
	output := out.String()
	assert.Contains(t, output, "Updated batch normalization mean/variances averages.")
	assert.Contains(t, output, "F1 Scores (Fold 1, Epoch 1, sec ")
	assert.Contains(t, output, "Accuracy (Fold 2, Epoch 2, sec ")
	assert.FileExists(t, filepath.Join(checkpointDir, "kfold_results.csv"))

	// Without Overwrite the existing folds are skipped.
	cfg.Overwrite = false
	cfg.Settings += ";folds_to_run=2"
	out.Reset()
	results, err = Run(cfg)
	require.NoError(t, err)
	assert.Empty(t, results.Checkpoints)
	assert.Equal(t, []int{1, 2}, results.Skipped)
	// Records of the skipped folds come from the results file.
	assert.Len(t, results.Records, 4)
	assert.Contains(t, out.String(), "Fold 2: checkpoint")
}

func TestRunResumesResults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping training test in short mode.")
	}
	dataDir := t.TempDir()
	_, err := testimages.Write(dataDir, testimages.Spec{
		Classes: map[string]int{"red": 4, "green": 4},
		Width:   8, Height: 8, Seed: 7,
	})
	require.NoError(t, err)

	checkpointDir := t.TempDir()
	cfg := DefaultConfig
	cfg.DataDir = dataDir
	cfg.CheckpointDir = checkpointDir
	cfg.Verbosity = 0
	cfg.Output = io.Discard
	cfg.Backend = graphtest.BuildTestBackend()
	const settings = "model=fnn;num_folds=2;num_epochs=1;image_size=8;batch_size=2;fnn_model_hidden_nodes=4"

	cfg.Settings = settings + ";folds_to_run=1"
	first, err := Run(cfg)
	require.NoError(t, err)
	require.Len(t, first.Records, 1)

	var out bytes.Buffer
	cfg.Output = &out
	cfg.Settings = settings + ";folds_to_run=2"
	second, err := Run(cfg)
	require.NoError(t, err)
	finals := second.FinalRecords()
	require.Len(t, finals, 2)
	assert.Equal(t, first.RunID, finals[0].RunID)
	assert.Equal(t, second.RunID, finals[1].RunID)
	assert.Contains(t, out.String(), "Trained 2 folds")

	f, err := os.Open(filepath.Join(checkpointDir, "kfold_results.csv"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	saved, err := LoadCSV(f, []string{"green", "red"})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, 1, saved[0].Fold)
	assert.Equal(t, first.RunID, saved[0].RunID)
	assert.Equal(t, 2, saved[1].Fold)
	assert.Equal(t, second.RunID, saved[1].RunID)
	assert.Contains(t, saved[0].TrainMetrics, "~acc")
}
