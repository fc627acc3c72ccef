package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-redact/internal/config"
	"github.com/gonkalabs/gonka-redact/internal/ingest"
	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/seal"
	"github.com/gonkalabs/gonka-redact/internal/setup"
)

// globalFlags are shared by all subcommands.
type globalFlags struct {
	noLLM bool
	out   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "redact",
		Short:         "Reversibly redact personal data in documents",
		Long:          "redact replaces personal data with placeholders such as [PERSON1], saves the mapping, and restores the originals in processed text.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&g.noLLM, "no-llm", false, "skip the LLM classifier even when SANITIZE_LLM is set")
	root.PersistentFlags().StringVarP(&g.out, "out", "o", "", "write output to this file instead of stdout")

	root.AddCommand(
		newAnonymizeCmd(g),
		newDeanonymizeCmd(g),
		newDetectCmd(g),
	)
	return root
}

// env is what every subcommand needs from configuration.
type env struct {
	cfg       *config.Cfg
	sanitizer *sanitize.Sanitizer
	sealer    *seal.Sealer
	extractor *ingest.Extractor
}

func loadEnv(g *globalFlags, withSanitizer bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	if g.noLLM {
		cfg.LLM = false
	}

	e := &env{cfg: cfg}
	if e.sealer, err = setup.Sealer(cfg); err != nil {
		return nil, err
	}
	e.extractor = ingest.New(cfg.MaxUploadBytes, e.sealer)
	if withSanitizer {
		if e.sanitizer, err = setup.Sanitizer(cfg); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// readText extracts text from path, or from stdin when path is "" or "-".
func (e *env) readText(ctx context.Context, cmd *cobra.Command, path string) (string, error) {
	var (
		doc *ingest.Document
		err error
	)
	if path == "" || path == "-" {
		doc, err = e.extractor.Extract(ctx, "stdin.txt", cmd.InOrStdin())
	} else {
		doc, err = e.extractor.ExtractFile(ctx, path)
	}
	if err != nil {
		return "", err
	}
	if doc.Kind != ingest.KindText {
		return "", fmt.Errorf("%s is a mapping file, not a document", doc.Name)
	}
	return doc.Text, nil
}

// readRaw returns the bytes of path, or of stdin, unchanged.
func (e *env) readRaw(ctx context.Context, cmd *cobra.Command, path string) (string, error) {
	if path == "" || path == "-" {
		return e.extractor.Raw(ctx, cmd.InOrStdin())
	}
	return e.extractor.RawFile(ctx, path)
}

func inputArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// writeOutput writes s to --out or to the command's stdout.
func writeOutput(cmd *cobra.Command, g *globalFlags, s string) error {
	if g.out == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), s)
		return err
	}
	if err := os.WriteFile(g.out, []byte(s), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", g.out, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
