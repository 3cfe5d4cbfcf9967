package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/clipcut/clipcut-agent/internal/doctor"
	"github.com/clipcut/clipcut-agent/internal/logging"
	"github.com/clipcut/clipcut-agent/internal/proc"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that yt-dlp and ffmpeg are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel(), cfg.LogFormat())
			d := doctor.New(proc.NewExec(logger), doctor.DefaultTools(cfg.YtDlpPath(), cfg.FFmpegPath()), logger)

			report, err := d.Probe(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), report, jsonOut); err != nil {
				return err
			}
			if !report.AllOK {
				return fmt.Errorf("one or more tools are unavailable")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
	return cmd
}

func writeReport(w io.Writer, report *doctor.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	names := make([]string, 0, len(report.Tools))
	for name := range report.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := report.Tools[name]
		if info.Available {
			fmt.Fprintf(w, "ok    %-8s %-12s %s\n", name, info.Version, info.Path)
			continue
		}
		fmt.Fprintf(w, "FAIL  %-8s %s\n", name, info.Error)
	}
	return nil
}
