package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	app "github.com/okian/formlab/internal/app"
	"github.com/okian/formlab/internal/domain/scoring"
	"github.com/okian/formlab/internal/domain/types"
)

type videoPrediction struct {
	Video string `json:"video_path"`
	types.Prediction
}

func newPredictCommand(ctx *commandContext) *cobra.Command {
	var artifactDir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "predict <video> [video...]",
		Short: "Classify whole videos with the current model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			if artifactDir != "" {
				cfg.ArtifactDir = artifactDir
			}

			core, err := app.NewCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer core.Close()
			if core.Predictor.Bundle() == nil {
				return fmt.Errorf("%w in %s; run `formlab train` first", scoring.ErrNoModel, cfg.ArtifactDir)
			}

			results := make([]videoPrediction, 0, len(args))
			for _, path := range args {
				pred, err := core.Predictor.ScoreVideo(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				results = append(results, videoPrediction{Video: path, Prediction: pred})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			fmt.Fprintln(out, renderPredictions(results))
			return nil
		},
	}

	cmd.Flags().StringVar(&artifactDir, "artifact-dir", "", "Directory holding model bundles")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

func renderPredictions(results []videoPrediction) string {
	headers := []string{"Video", "Label", "Confidence"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight}
	for _, l := range types.Labels() {
		headers = append(headers, l.String())
		aligns = append(aligns, alignRight)
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		row := []string{r.Video, r.Label.String(), fmt.Sprintf("%.3f", r.Confidence)}
		for _, p := range r.Probabilities {
			row = append(row, fmt.Sprintf("%.3f", p))
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}
