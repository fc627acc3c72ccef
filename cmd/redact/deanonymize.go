package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-redact/internal/mapstore"
	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

func newDeanonymizeCmd(g *globalFlags) *cobra.Command {
	var (
		mappingPath string
		strict      bool
	)
	cmd := &cobra.Command{
		Use:   "deanonymize [file]",
		Short: "Restore placeholders from a mapping file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(g, false)
			if err != nil {
				return err
			}
			m, err := mapstore.ReadFile(mappingPath, e.sealer)
			if err != nil {
				return fmt.Errorf("mapping %s: %w", mappingPath, err)
			}
			text, err := e.readRaw(cmd.Context(), cmd, inputArg(args))
			if err != nil {
				return err
			}

			restored, unresolved := sanitize.Deanonymize(text, m)
			if len(unresolved) > 0 {
				slog.Warn("redact: placeholders without a mapping entry", "placeholders", unresolved)
			}
			if err := writeOutput(cmd, g, restored); err != nil {
				return err
			}
			if strict && len(unresolved) > 0 {
				return fmt.Errorf("%d unresolved placeholders", len(unresolved))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&mappingPath, "mapping", "m", "", "mapping file produced by anonymize")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when a placeholder has no mapping entry")
	_ = cmd.MarkFlagRequired("mapping")
	return cmd
}
