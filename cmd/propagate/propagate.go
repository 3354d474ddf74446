package propagate

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/trackfill/internal/app"
	"github.com/tphakala/trackfill/internal/datastore"
	"github.com/tphakala/trackfill/internal/runner"
)

// Command creates the command that runs one propagation in the foreground.
func Command(a *app.App) *cobra.Command {
	var (
		req      runner.Request
		noLedger bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "Propagate a seed annotation along its track",
		Long: "Runs the face detector over the frames of a media, starting at the seed's track, " +
			"and adds a localization to the track for every confident detection.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var ledger datastore.Interface
			if !noLedger {
				var err error
				if ledger, err = a.OpenLedger(); err != nil {
					return err
				}
			}

			r, err := a.NewRunner(ctx, app.RunnerOptions{Ledger: ledger})
			if err != nil {
				return err
			}

			report, err := r.Run(ctx, req)
			if report.RunID != "" {
				if printErr := printReport(cmd.OutOrStdout(), report, asJSON); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}

	cmd.Flags().Int64Var(&req.ProjectID, "project", 0, "Project id")
	cmd.Flags().Int64Var(&req.MediaID, "media", 0, "Media id")
	cmd.Flags().Int64Var(&req.SeedID, "seed", 0, "Id of a localization in the track to propagate")
	cmd.Flags().IntVar(&req.FromFrame, "from", 0, "First frame to process")
	cmd.Flags().IntVar(&req.ToFrame, "to", -1, "Last frame to process, -1 for the whole media")
	cmd.Flags().StringVar(&req.FramesDir, "frames", "", "Directory of decoded frames (default: frames.directory)")
	cmd.Flags().BoolVar(&noLedger, "no-ledger", false, "Do not record the run in the run ledger")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().Float64("min-confidence", 0, "Minimum detection probability (default: propagation.minconfidence)")
	cmd.Flags().Bool("continue-on-error", false, "Skip frames the detector fails on instead of aborting")

	for _, name := range []string{"project", "media", "seed"} {
		_ = cmd.MarkFlagRequired(name)
	}
	_ = viper.BindPFlag("propagation.minconfidence", cmd.Flags().Lookup("min-confidence"))
	_ = viper.BindPFlag("propagation.continueondetectorerror", cmd.Flags().Lookup("continue-on-error"))

	return cmd
}

func printReport(w io.Writer, report runner.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	_, err := fmt.Fprintf(w,
		"run %s: track %d, %d frames processed, %d skipped, %d frame errors, %d detections, %d drafts, committed=%t (%s)\n",
		report.RunID, report.TrackID, report.FramesProcessed, report.FramesSkipped, report.FrameErrors,
		report.Detections, report.Drafts, report.Committed, report.Duration.Round(time.Millisecond))
	if err != nil {
		return err
	}
	if len(report.IDs) > 0 {
		_, err = fmt.Fprintf(w, "created localizations: %v\n", report.IDs)
	}
	return err
}
