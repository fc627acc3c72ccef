package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-redact/internal/mapstore"
	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

func newAnonymizeCmd(g *globalFlags) *cobra.Command {
	var (
		mappingPath string
		resume      bool
		sessionID   string
	)
	cmd := &cobra.Command{
		Use:   "anonymize [file]",
		Short: "Replace personal data with placeholders",
		Long: `Anonymize reads a document (a file or stdin) and prints it with personal data
replaced by placeholders. The mapping needed to restore it is written to --mapping.
With --resume an existing mapping file is continued, so values already seen keep
their placeholders across documents.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume && mappingPath == "" {
				return fmt.Errorf("--resume needs --mapping")
			}
			e, err := loadEnv(g, true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			text, err := e.readText(ctx, cmd, inputArg(args))
			if err != nil {
				return err
			}

			sess := sanitize.NewSession()
			id := sessionID
			if resume && fileExists(mappingPath) {
				data, err := os.ReadFile(mappingPath)
				if err != nil {
					return fmt.Errorf("read mapping: %w", err)
				}
				prevID, m, err := mapstore.Decode(data, e.sealer)
				if err != nil {
					return fmt.Errorf("mapping %s: %w", mappingPath, err)
				}
				sess = sanitize.ResumeSession(m)
				if id == "" {
					id = prevID
				}
				slog.Info("redact: resuming session", "entries", len(m))
			}
			if id == "" {
				id = mapstore.NewID()
			} else if !mapstore.ValidID(id) {
				return fmt.Errorf("invalid session id %q", id)
			}

			res := e.sanitizer.Anonymize(ctx, text, sess, sanitize.Options{})
			for _, name := range res.Degraded {
				slog.Warn("redact: classifier failed, output may contain personal data", "classifier", name)
			}

			if mappingPath != "" {
				if err := mapstore.WriteFile(mappingPath, id, res.Mapping, e.sealer); err != nil {
					return err
				}
			} else if len(res.Mapping) > 0 {
				slog.Warn("redact: no --mapping given, placeholders cannot be restored later")
			}
			slog.Info("redact: anonymized", "spans", len(res.Spans), "placeholders", len(res.Mapping))
			return writeOutput(cmd, g, res.Text)
		},
	}
	cmd.Flags().StringVarP(&mappingPath, "mapping", "m", "", "mapping file to write (and read with --resume)")
	cmd.Flags().BoolVar(&resume, "resume", false, "continue the session stored in --mapping")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id recorded in the mapping file")
	return cmd
}
