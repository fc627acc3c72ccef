package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mapping store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreNone   = "none"
)

// Cfg holds all runtime configuration loaded from environment variables.
type Cfg struct {
	// Server
	ListenAddr string // e.g. :8080
	LogLevel   slog.Level

	// OpenAI-compatible upstream for the chat proxy. Empty disables the proxy.
	// Several URLs are tried in random order; several keys are used round-robin.
	UpstreamURLs []string // UPSTREAM_URL=https://api.example.com/v1,https://backup/v1
	UpstreamKeys []string // UPSTREAM_API_KEY=key1,key2

	// Regex pattern layer
	Patterns         bool     // SANITIZE_PATTERNS=false disables it
	PatternFile      string   // SANITIZE_PATTERN_FILE=/etc/redact/extra.yaml
	DisabledEntities []string // SANITIZE_DISABLED_ENTITIES=PHONE,IP_ADDRESS
	MinScore         float64  // SANITIZE_MIN_SCORE=0.5, matches scoring lower are dropped

	// NER sidecar layer
	NER    bool   // SANITIZE_NER=true enables NER sidecar
	NERURL string // SANITIZE_NER_URL=http://sanitize-ner:8001

	// LLM semantic classifier layer
	LLM       bool    // SANITIZE_LLM=true enables LLM classifier
	LLMURL    string  // SANITIZE_LLM_URL=http://ollama:11434
	LLMModel  string  // SANITIZE_LLM_MODEL=llama3.2:3b
	LLMAPIKey string  // SANITIZE_LLM_API_KEY=ollama
	LLMRPS    float64 // SANITIZE_LLM_RPS=1

	// Budget bounds how long detection may take per text.
	Budget time.Duration // SANITIZE_BUDGET=120s

	// Mapping persistence
	MappingStore string // MAPPING_STORE=file|sqlite|none
	MappingDir   string // MAPPING_DIR=mappings
	MappingDB    string // MAPPING_DB=mappings.db
	MappingKey   string // MAPPING_KEY=<64 hex chars>, encrypts mappings at rest
	SigningKey   string // MAPPING_SIGNING_KEY=<hex secp256k1 key>, signs mappings

	// API limits
	RateLimitRPM   int   // RATE_LIMIT_RPM=120, per client IP; 0 disables
	MaxUploadBytes int64 // MAX_UPLOAD_MB=16
}

// Load reads .env (if present) then environment variables and returns Cfg.
func Load() (*Cfg, error) {
	// Best-effort: load .env from current directory
	_ = godotenv.Load()

	cfg := &Cfg{
		ListenAddr:   ":" + envOr("PORT", "8080"),
		UpstreamURLs: envList("UPSTREAM_URL"),
		UpstreamKeys: envList("UPSTREAM_API_KEY"),

		Patterns:         envBool("SANITIZE_PATTERNS", true),
		PatternFile:      env("SANITIZE_PATTERN_FILE"),
		DisabledEntities: envList("SANITIZE_DISABLED_ENTITIES"),

		NER:    envBool("SANITIZE_NER", false),
		NERURL: envOr("SANITIZE_NER_URL", "http://sanitize-ner:8001"),

		LLM:       envBool("SANITIZE_LLM", false),
		LLMURL:    envOr("SANITIZE_LLM_URL", "http://ollama:11434"),
		LLMModel:  envOr("SANITIZE_LLM_MODEL", "llama3.2:3b"),
		LLMAPIKey: envOr("SANITIZE_LLM_API_KEY", "ollama"),

		MappingStore: strings.ToLower(envOr("MAPPING_STORE", StoreFile)),
		MappingDir:   envOr("MAPPING_DIR", "mappings"),
		MappingDB:    envOr("MAPPING_DB", "mappings.db"),
		MappingKey:   env("MAPPING_KEY"),
		SigningKey:   env("MAPPING_SIGNING_KEY"),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(envOr("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	if cfg.LLMRPS, err = strconv.ParseFloat(envOr("SANITIZE_LLM_RPS", "1"), 64); err != nil {
		return nil, fmt.Errorf("SANITIZE_LLM_RPS: %w", err)
	}
	if cfg.MinScore, err = strconv.ParseFloat(envOr("SANITIZE_MIN_SCORE", "0.5"), 64); err != nil || cfg.MinScore < 0 || cfg.MinScore > 1 {
		return nil, fmt.Errorf("SANITIZE_MIN_SCORE must be a number between 0 and 1")
	}
	if cfg.Budget, err = time.ParseDuration(envOr("SANITIZE_BUDGET", "120s")); err != nil {
		return nil, fmt.Errorf("SANITIZE_BUDGET: %w", err)
	}
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("SANITIZE_BUDGET must be positive, got %s", cfg.Budget)
	}
	if cfg.RateLimitRPM, err = strconv.Atoi(envOr("RATE_LIMIT_RPM", "120")); err != nil || cfg.RateLimitRPM < 0 {
		return nil, fmt.Errorf("RATE_LIMIT_RPM must be a non-negative integer")
	}
	mb, err := strconv.Atoi(envOr("MAX_UPLOAD_MB", "16"))
	if err != nil || mb <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_MB must be a positive integer")
	}
	cfg.MaxUploadBytes = int64(mb) << 20

	switch cfg.MappingStore {
	case StoreFile, StoreSQLite, StoreNone:
	default:
		return nil, fmt.Errorf("MAPPING_STORE must be %q, %q or %q, got %q", StoreFile, StoreSQLite, StoreNone, cfg.MappingStore)
	}
	if err := checkHexKey("MAPPING_KEY", cfg.MappingKey); err != nil {
		return nil, err
	}
	if err := checkHexKey("MAPPING_SIGNING_KEY", cfg.SigningKey); err != nil {
		return nil, err
	}
	for i, u := range cfg.UpstreamURLs {
		cfg.UpstreamURLs[i] = strings.TrimRight(u, "/")
	}
	return cfg, nil
}

// ProxyEnabled reports whether an upstream is configured.
func (c *Cfg) ProxyEnabled() bool { return len(c.UpstreamURLs) > 0 }

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func envOr(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	raw := env(key)
	if raw == "" {
		return def
	}
	return raw == "1" || strings.EqualFold(raw, "true")
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(env(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

func checkHexKey(name, v string) error {
	if v == "" {
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
	if err != nil {
		return fmt.Errorf("%s: invalid hex: %w", name, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%s: key must be 32 bytes, got %d", name, len(raw))
	}
	return nil
}
