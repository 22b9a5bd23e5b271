// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kfold

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/kfold/scores"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// EpochRecord holds the scores of one epoch of one fold.
type EpochRecord struct {
	// RunID of the run that trained the fold.
	RunID string

	Fold, Epoch int
	Duration    time.Duration

	// TrainMetrics holds the values of the training metrics at the end of the epoch, by their short names
	// (e.g.: "~loss", "~acc").
	TrainMetrics map[string]float64

	// Accuracy, MacroF1 and F1 (per class index) on the validation set.
	Accuracy float64
	MacroF1  float64
	F1       map[int]float64
}

// Results collects the scores of a run of the experiment.
type Results struct {
	// RunID identifies the run in the results file.
	RunID string

	// ClassNames of the dataset, indexed by the class label.
	ClassNames []string

	// Records of each epoch of each fold, sorted by fold and epoch. After MergePrevious it includes the
	// folds trained by earlier runs.
	Records []EpochRecord

	// Checkpoints saved, indexed by fold number (starting from 1).
	Checkpoints map[int]string

	// Skipped folds (starting from 1), either because a checkpoint already existed or because they were
	// not selected.
	Skipped []int
}

func newResults(classNames []string) *Results {
	return &Results{
		RunID:       uuid.NewString(),
		ClassNames:  classNames,
		Checkpoints: make(map[int]string),
	}
}

// addEpoch records the report of an epoch.
func (r *Results) addEpoch(report *scores.EpochReport, trainMetrics map[string]float64) {
	r.Records = append(r.Records, EpochRecord{
		RunID:        r.RunID,
		Fold:         report.Fold,
		Epoch:        report.Epoch,
		Duration:     report.Duration,
		TrainMetrics: trainMetrics,
		Accuracy:     report.Accuracy,
		MacroF1:      report.MacroF1(),
		F1:           report.F1,
	})
}

// FinalRecords returns the record of the last epoch of each fold, sorted by fold.
func (r *Results) FinalRecords() []EpochRecord {
	lastByFold := make(map[int]EpochRecord)
	for _, record := range r.Records {
		if last, found := lastByFold[record.Fold]; !found || record.Epoch > last.Epoch {
			lastByFold[record.Fold] = record
		}
	}
	finals := make([]EpochRecord, 0, len(lastByFold))
	for _, record := range lastByFold {
		finals = append(finals, record)
	}
	slices.SortFunc(finals, func(a, b EpochRecord) int { return a.Fold - b.Fold })
	return finals
}

// Summary returns the mean and standard deviation across folds of the final accuracy and macro-F1.
// The standard deviations are 0 if less than 2 folds were trained.
func (r *Results) Summary() (accMean, accStdDev, f1Mean, f1StdDev float64) {
	finals := r.FinalRecords()
	if len(finals) == 0 {
		return
	}
	accuracies := make([]float64, len(finals))
	macroF1s := make([]float64, len(finals))
	for ii, record := range finals {
		accuracies[ii] = record.Accuracy
		macroF1s[ii] = record.MacroF1
	}
	if len(finals) == 1 {
		return accuracies[0], 0, macroF1s[0], 0
	}
	accMean, accStdDev = stat.MeanStdDev(accuracies, nil)
	f1Mean, f1StdDev = stat.MeanStdDev(macroF1s, nil)
	return
}

// trainMetricNames returns the sorted names of all training metrics recorded.
func (r *Results) trainMetricNames() []string {
	var names []string
	for _, record := range r.Records {
		for name := range record.TrainMetrics {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	slices.Sort(names)
	return names
}

// DataFrame converts the records to a dataframe, with one row per epoch and one "f1_<class>" column per class.
// F1 scores of classes absent from both the labels and the predictions of the epoch are left empty.
func (r *Results) DataFrame() dataframe.DataFrame {
	metricNames := r.trainMetricNames()
	header := []string{"run_id", "fold", "epoch", "seconds"}
	for _, name := range metricNames {
		header = append(header, metricColumn(name))
	}
	header = append(header, "accuracy", "macro_f1")
	for _, name := range r.ClassNames {
		header = append(header, "f1_"+name)
	}

	records := [][]string{header}
	for _, record := range r.Records {
		runID := record.RunID
		if runID == "" {
			runID = r.RunID
		}
		row := []string{
			runID,
			strconv.Itoa(record.Fold),
			strconv.Itoa(record.Epoch),
			formatFloat(record.Duration.Seconds()),
		}
		for _, name := range metricNames {
			if value, found := record.TrainMetrics[name]; found {
				row = append(row, formatFloat(value))
			} else {
				row = append(row, "")
			}
		}
		row = append(row, formatFloat(record.Accuracy), formatFloat(record.MacroF1))
		for class := range r.ClassNames {
			if f1, found := record.F1[class]; found {
				row = append(row, formatFloat(f1))
			} else {
				row = append(row, "")
			}
		}
		records = append(records, row)
	}
	return dataframe.LoadRecords(records, dataframe.DetectTypes(false), dataframe.HasHeader(true))
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', 4, 64)
}

// WriteCSV writes the per-epoch records to w, see DataFrame for the columns.
func (r *Results) WriteCSV(w io.Writer) error {
	df := r.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build the results table")
	}
	return errors.Wrap(df.WriteCSV(w), "failed to write the results")
}

// SaveCSV writes the per-epoch records to the file in path, overwriting it if it exists.
// Use LoadCSV and MergePrevious first to keep the records of folds trained by earlier runs.
func (r *Results) SaveCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create results file %q", path)
	}
	if err = r.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "while writing %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close results file %q", path)
}

// Prefixes and suffix of the training metrics short names, and the words used for them in the results columns.
var metricNameWords = []struct{ symbol, word string }{
	{"~", "avg_"},
	{"#", "mean_"},
}

const regularizedSuffix, regularizedWord = "+", "_reg"

// metricColumn returns the results column of the training metric with the given short name.
// E.g.: "~loss+" (moving average of the regularized loss) becomes "train_avg_loss_reg".
func metricColumn(shortName string) string {
	name := shortName
	for _, pair := range metricNameWords {
		if rest, found := strings.CutPrefix(name, pair.symbol); found {
			name = pair.word + rest
			break
		}
	}
	if rest, found := strings.CutSuffix(name, regularizedSuffix); found {
		name = rest + regularizedWord
	}
	return "train_" + name
}

// metricShortName is the inverse of metricColumn.
func metricShortName(column string) string {
	name := strings.TrimPrefix(column, "train_")
	for _, pair := range metricNameWords {
		if rest, found := strings.CutPrefix(name, pair.word); found {
			name = pair.symbol + rest
			break
		}
	}
	if rest, found := strings.CutSuffix(name, regularizedWord); found {
		name = rest + regularizedSuffix
	}
	return name
}

// LoadCSV reads the records of a results file written by SaveCSV (or WriteCSV).
// It fails if the file has per-class columns for classes other than classNames.
func LoadCSV(r io.Reader, classNames []string) ([]EpochRecord, error) {
	df := dataframe.ReadCSV(r, dataframe.DetectTypes(false), dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to parse the results")
	}
	rows := df.Records()
	header := rows[0]
	var gotClasses []string
	for _, column := range header {
		if name, found := strings.CutPrefix(column, "f1_"); found {
			gotClasses = append(gotClasses, name)
		}
	}
	if !slices.Equal(gotClasses, classNames) {
		return nil, errors.Errorf("results have scores for classes %q, but the dataset has classes %q",
			gotClasses, classNames)
	}

	records := make([]EpochRecord, 0, len(rows)-1)
	for rowIdx, row := range rows[1:] {
		record := EpochRecord{TrainMetrics: make(map[string]float64), F1: make(map[int]float64)}
		for colIdx, column := range header {
			cell := row[colIdx]
			if cell == "" || cell == "NaN" {
				continue
			}
			var err error
			switch {
			case column == "run_id":
				record.RunID = cell
			case column == "fold":
				record.Fold, err = strconv.Atoi(cell)
			case column == "epoch":
				record.Epoch, err = strconv.Atoi(cell)
			case column == "seconds":
				var seconds float64
				seconds, err = strconv.ParseFloat(cell, 64)
				record.Duration = time.Duration(seconds * float64(time.Second))
			case column == "accuracy":
				record.Accuracy, err = strconv.ParseFloat(cell, 64)
			case column == "macro_f1":
				record.MacroF1, err = strconv.ParseFloat(cell, 64)
			case strings.HasPrefix(column, "f1_"):
				class := slices.Index(classNames, strings.TrimPrefix(column, "f1_"))
				record.F1[class], err = strconv.ParseFloat(cell, 64)
			case strings.HasPrefix(column, "train_"):
				record.TrainMetrics[metricShortName(column)], err = strconv.ParseFloat(cell, 64)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "invalid value %q for column %q in row %d", cell, column, rowIdx+1)
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// MergePrevious adds the records of folds trained by earlier runs, for the folds not trained again in this run.
// Folds above numFolds are dropped. Records end up sorted by fold and epoch.
func (r *Results) MergePrevious(previous []EpochRecord, numFolds int) {
	trained := make(map[int]bool)
	for _, record := range r.Records {
		trained[record.Fold] = true
	}
	for _, record := range previous {
		if !trained[record.Fold] && record.Fold >= 1 && record.Fold <= numFolds {
			r.Records = append(r.Records, record)
		}
	}
	slices.SortStableFunc(r.Records, func(a, b EpochRecord) int {
		if a.Fold != b.Fold {
			return a.Fold - b.Fold
		}
		return a.Epoch - b.Epoch
	})
}

// loadPreviousResults returns the records in the results file in path, or nil if it doesn't exist.
func loadPreviousResults(path string, classNames []string) ([]EpochRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open results file %q", path)
	}
	defer func() { _ = f.Close() }()
	records, err := LoadCSV(f, classNames)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading previous results %q", path)
	}
	return records, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Print the final scores of each fold in a table, followed by their mean and standard deviation.
func (r *Results) Print(w io.Writer) error {
	finals := r.FinalRecords()
	var sb strings.Builder
	if len(finals) > 0 {
		table := lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == lgtable.HeaderRow {
					return headerStyle
				}
				return cellStyle
			}).
			Headers("Fold", "Epochs", "Time", "Accuracy", "Macro-F1")
		var total time.Duration
		for _, record := range r.Records {
			total += record.Duration
		}
		for _, record := range finals {
			var foldDuration time.Duration
			for _, other := range r.Records {
				if other.Fold == record.Fold {
					foldDuration += other.Duration
				}
			}
			table.Row(strconv.Itoa(record.Fold), strconv.Itoa(record.Epoch),
				foldDuration.Round(time.Second).String(),
				fmt.Sprintf("%.4f", record.Accuracy), fmt.Sprintf("%.4f", record.MacroF1))
		}
		sb.WriteString(table.Render())
		sb.WriteString("\n")
		accMean, accStdDev, f1Mean, f1StdDev := r.Summary()
		fmt.Fprintf(&sb, "Accuracy: %.4f ± %.4f\n", accMean, accStdDev)
		fmt.Fprintf(&sb, "Macro-F1: %.4f ± %.4f\n", f1Mean, f1StdDev)
		fmt.Fprintf(&sb, "Trained %s folds (%s epochs) in %s\n",
			humanize.Comma(int64(len(finals))), humanize.Comma(int64(len(r.Records))), total.Round(time.Second))
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&sb, "Skipped folds: %v\n", r.Skipped)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
