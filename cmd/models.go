package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/formlab/internal/domain/artifact"
	"github.com/okian/formlab/pkg/logger"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	var artifactDir string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List saved model bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			if artifactDir != "" {
				cfg.ArtifactDir = artifactDir
			}

			store, err := artifact.NewStore(cfg.ArtifactDir, artifact.WithLogger(logger.Named("artifact")))
			if err != nil {
				return err
			}
			manifests, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(manifests) == 0 {
				fmt.Fprintf(out, "no models in %s\n", store.Dir())
				return nil
			}
			current, err := store.Current(cmd.Context())
			if err != nil && !errors.Is(err, artifact.ErrNoArtifact) {
				return err
			}
			fmt.Fprintln(out, renderManifests(manifests, current))
			return nil
		},
	}

	cmd.Flags().StringVar(&artifactDir, "artifact-dir", "", "Directory holding model bundles")
	return cmd
}

func renderManifests(manifests []artifact.Manifest, current string) string {
	rows := make([][]string, 0, len(manifests))
	for _, m := range manifests {
		marker := ""
		if m.ID == current {
			marker = "*"
		}
		rows = append(rows, []string{
			marker,
			m.ID,
			m.Architecture,
			strconv.Itoa(m.SequenceLength),
			strconv.Itoa(m.ParamCount),
			fmt.Sprintf("%.4f", m.TestAccuracy),
			m.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"", "ID", "Architecture", "Frames", "Params", "Test acc", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}
