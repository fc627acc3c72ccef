package main

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

type detection struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label string  `json:"label"`
	Score float32 `json:"score"`
	Text  string  `json:"text"`
}

func newDetectCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "detect [file]",
		Short: "List the spans that anonymize would replace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(g, true)
			if err != nil {
				return err
			}
			text, err := e.readText(cmd.Context(), cmd, inputArg(args))
			if err != nil {
				return err
			}

			spans, degraded := e.sanitizer.Detect(cmd.Context(), text, sanitize.Options{})
			out := make([]detection, len(spans))
			for i, sp := range spans {
				out[i] = detection{Start: sp.Start, End: sp.End, Label: sp.Label, Score: sp.Score, Text: text[sp.Start:sp.End]}
			}
			if len(degraded) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: classifiers failed: %s\n", strings.Join(degraded, ", "))
			}

			if asJSON {
				b, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				return writeOutput(cmd, g, string(b)+"\n")
			}
			var sb strings.Builder
			for _, d := range out {
				fmt.Fprintf(&sb, "%d-%d\t%s\t%.2f\t%s\n", d.Start, d.End, d.Label, d.Score, d.Text)
			}
			return writeOutput(cmd, g, sb.String())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
