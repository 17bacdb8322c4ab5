package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	app "github.com/okian/formlab/internal/app"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/training"
)

type trainFlags struct {
	dataDir      string
	artifactDir  string
	architecture string
	epochs       int
	batchSize    int
	learningRate float64
	augment      int
	patience     int
}

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var f trainFlags

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier on the labelled video folders and save a model bundle",
		Long: "Train reads <data-dir>/good, <data-dir>/normal and <data-dir>/bad, extracts pose\n" +
			"landmarks from every video and trains the chosen architecture in the foreground.\n" +
			"The resulting bundle becomes the current model.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			if f.dataDir != "" {
				cfg.DataDir = f.dataDir
			}
			if f.artifactDir != "" {
				cfg.ArtifactDir = f.artifactDir
			}

			req := model.TrainingConfig{
				Architecture: f.architecture,
				Epochs:       f.epochs,
				BatchSize:    f.batchSize,
				LearningRate: f.learningRate,
			}
			if cmd.Flags().Changed("augment") {
				req.AugmentFactor = &f.augment
			}
			if cmd.Flags().Changed("patience") {
				req.EarlyStopPatience = &f.patience
			}
			if err := training.Validate(req); err != nil {
				return err
			}

			core, err := app.NewCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer core.Close()

			out := cmd.OutOrStdout()
			res, err := core.Orchestrator.Run(cmd.Context(), uuid.NewString(), req, progressPrinter{w: out})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderTrainingResult(res))
			return nil
		},
	}

	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "Directory holding good/normal/bad video folders")
	cmd.Flags().StringVar(&f.artifactDir, "artifact-dir", "", "Directory receiving model bundles")
	cmd.Flags().StringVarP(&f.architecture, "arch", "a", "basic", "Architecture: basic, bidirectional or deep")
	cmd.Flags().IntVarP(&f.epochs, "epochs", "e", 50, "Maximum number of epochs")
	cmd.Flags().IntVarP(&f.batchSize, "batch-size", "b", 32, "Mini-batch size")
	cmd.Flags().Float64Var(&f.learningRate, "learning-rate", 0.001, "Adam learning rate")
	cmd.Flags().IntVar(&f.augment, "augment", 0, "Augmented copies per training sample")
	cmd.Flags().IntVar(&f.patience, "patience", 0, "Stop after this many epochs without val_loss improvement; 0 disables")
	return cmd
}

// progressPrinter writes run progress as it happens.
type progressPrinter struct {
	w io.Writer
}

func (p progressPrinter) OnStage(_ context.Context, stage training.Stage, msg string) {
	fmt.Fprintf(p.w, "[%s] %s\n", stage, msg)
}

func (p progressPrinter) OnEpoch(_ context.Context, m model.EpochMetrics) {
	fmt.Fprintf(p.w, "epoch %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f\n",
		m.Epoch, m.TotalEpochs, m.Loss, m.Accuracy, m.ValLoss, m.ValAccuracy)
}

func renderTrainingResult(res model.TrainingResult) string {
	rows := [][]string{
		{"Model", res.ArtifactID},
		{"Path", res.ArtifactPath},
		{"Architecture", res.Architecture},
		{"Parameters", strconv.Itoa(res.ModelParams)},
		{"Epochs run", strconv.Itoa(res.EpochsRun)},
		{"Samples (train/test)", fmt.Sprintf("%d (%d/%d)", res.TotalSamples, res.TrainSamples, res.TestSamples)},
		{"Test accuracy", fmt.Sprintf("%.4f", res.TestAccuracy)},
		{"Test loss", fmt.Sprintf("%.4f", res.TestLoss)},
		{"Training time", fmt.Sprintf("%.1fs", res.TrainingTime)},
	}
	classes := make([]string, 0, len(res.ClassCounts))
	for name := range res.ClassCounts {
		classes = append(classes, name)
	}
	sort.Strings(classes)
	for _, name := range classes {
		rows = append(rows, []string{"Videos " + name, strconv.Itoa(res.ClassCounts[name])})
	}
	if n := len(res.SkippedSources); n > 0 {
		rows = append(rows, []string{"Skipped videos", strconv.Itoa(n)})
	}
	return renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}
