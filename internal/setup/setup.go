// Package setup builds the redaction pipeline and its persistence from
// configuration. It is shared by the HTTP server and the CLI.
package setup

import (
	"fmt"
	"log/slog"

	"github.com/gonkalabs/gonka-redact/internal/config"
	"github.com/gonkalabs/gonka-redact/internal/mapstore"
	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/sanitize/llmclassifier"
	"github.com/gonkalabs/gonka-redact/internal/sanitize/ner"
	"github.com/gonkalabs/gonka-redact/internal/sanitize/patterns"
	"github.com/gonkalabs/gonka-redact/internal/seal"
)

// Classifiers returns the enabled detectors in precedence order: patterns,
// NER sidecar, LLM.
func Classifiers(cfg *config.Cfg) ([]sanitize.Classifier, error) {
	var classifiers []sanitize.Classifier

	if cfg.Patterns {
		opts := []patterns.Option{patterns.WithMinScore(cfg.MinScore)}
		if cfg.PatternFile != "" {
			opts = append(opts, patterns.WithPatternFile(cfg.PatternFile))
		}
		if len(cfg.DisabledEntities) > 0 {
			opts = append(opts, patterns.WithDisabledEntities(cfg.DisabledEntities...))
		}
		scanner, err := patterns.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("setup: patterns: %w", err)
		}
		classifiers = append(classifiers, scanner)
		slog.Info("sanitize: pattern layer enabled", "pattern_file", cfg.PatternFile, "disabled", cfg.DisabledEntities)
	}
	if cfg.NER {
		classifiers = append(classifiers, ner.New(cfg.NERURL))
		slog.Info("sanitize: NER layer enabled", "url", cfg.NERURL)
	}
	if cfg.LLM {
		classifiers = append(classifiers, llmclassifier.New(
			cfg.LLMURL,
			cfg.LLMModel,
			cfg.LLMAPIKey,
			cfg.LLMRPS,
		))
		slog.Info("sanitize: LLM layer enabled",
			"url", cfg.LLMURL,
			"model", cfg.LLMModel,
			"rps", cfg.LLMRPS,
		)
	}
	if len(classifiers) == 0 {
		slog.Warn("sanitize: no classifiers enabled, text passes through unchanged")
	}
	return classifiers, nil
}

// Sanitizer builds the pipeline with the configured detection budget.
func Sanitizer(cfg *config.Cfg) (*sanitize.Sanitizer, error) {
	classifiers, err := Classifiers(cfg)
	if err != nil {
		return nil, err
	}
	return sanitize.NewWithClassifiers(classifiers).WithBudget(cfg.Budget), nil
}

// Sealer returns the mapping sealer, or nil when neither key is set.
func Sealer(cfg *config.Cfg) (*seal.Sealer, error) {
	if cfg.MappingKey == "" && cfg.SigningKey == "" {
		return nil, nil
	}
	s, err := seal.New(cfg.MappingKey, cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	slog.Info("mapstore: sealing enabled", "encrypt", s.Encrypts(), "signer", s.Address())
	return s, nil
}

// Store opens the configured mapping store. It returns nil for
// MAPPING_STORE=none.
func Store(cfg *config.Cfg, sealer *seal.Sealer) (mapstore.Store, error) {
	switch cfg.MappingStore {
	case config.StoreNone:
		slog.Info("mapstore: persistence disabled")
		return nil, nil
	case config.StoreSQLite:
		s, err := mapstore.OpenSQLite(cfg.MappingDB, sealer)
		if err != nil {
			return nil, fmt.Errorf("setup: %w", err)
		}
		slog.Info("mapstore: sqlite store opened", "path", cfg.MappingDB)
		return s, nil
	default:
		s, err := mapstore.NewFileStore(cfg.MappingDir, sealer)
		if err != nil {
			return nil, fmt.Errorf("setup: %w", err)
		}
		slog.Info("mapstore: file store opened", "dir", cfg.MappingDir)
		return s, nil
	}
}
