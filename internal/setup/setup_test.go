package setup

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-redact/internal/config"
	"github.com/gonkalabs/gonka-redact/internal/mapstore"
	"github.com/gonkalabs/gonka-redact/internal/sanitize"
)

func baseCfg(t *testing.T) *config.Cfg {
	t.Helper()
	dir := t.TempDir()
	return &config.Cfg{
		Patterns:     true,
		MinScore:     0.5,
		NERURL:       "http://127.0.0.1:1",
		LLMURL:       "http://127.0.0.1:1",
		LLMModel:     "llama3.2:3b",
		LLMAPIKey:    "ollama",
		LLMRPS:       1,
		Budget:       time.Second,
		MappingStore: config.StoreFile,
		MappingDir:   filepath.Join(dir, "mappings"),
		MappingDB:    filepath.Join(dir, "mappings.db"),
	}
}

func names(cs []sanitize.Classifier) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = sanitize.ClassifierName(c)
	}
	return out
}

func TestClassifiers(t *testing.T) {
	cfg := baseCfg(t)
	cs, err := Classifiers(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"patterns"}, names(cs))

	cfg.NER, cfg.LLM = true, true
	cs, err = Classifiers(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"patterns", "ner", "llm"}, names(cs))

	cfg.Patterns, cfg.NER, cfg.LLM = false, false, false
	cs, err = Classifiers(cfg)
	require.NoError(t, err)
	assert.Empty(t, cs)

	cfg.Patterns, cfg.PatternFile = true, filepath.Join(t.TempDir(), "missing.yaml")
	_, err = Classifiers(cfg)
	assert.Error(t, err)
}

func TestSanitizerHonoursDisabledEntities(t *testing.T) {
	cfg := baseCfg(t)
	cfg.DisabledEntities = []string{"EMAIL"}
	san, err := Sanitizer(cfg)
	require.NoError(t, err)

	text, m := sanitize.Anonymize(context.Background(), "mail a@b.test, SSN 123-45-6789", san.Classifiers()...)
	assert.Equal(t, "mail a@b.test, SSN [SSN1]", text)
	assert.Len(t, m, 1)
}

func TestSanitizerHonoursMinScore(t *testing.T) {
	cfg := baseCfg(t)
	cfg.MinScore = 0.95
	san, err := Sanitizer(cfg)
	require.NoError(t, err)

	text, _ := sanitize.Anonymize(context.Background(), "mail a@b.test or call 555-123-4567", san.Classifiers()...)
	assert.Equal(t, "mail [EMAIL1] or call 555-123-4567", text)
}

func TestSealer(t *testing.T) {
	cfg := baseCfg(t)
	s, err := Sealer(cfg)
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.MappingKey = strings.Repeat("11", 32)
	s, err = Sealer(cfg)
	require.NoError(t, err)
	assert.True(t, s.Encrypts())
	assert.False(t, s.Signs())
}

func TestStore(t *testing.T) {
	cfg := baseCfg(t)
	ctx := context.Background()
	m := sanitize.Mapping{"Ann": "[PERSON1]"}

	for _, kind := range []string{config.StoreFile, config.StoreSQLite} {
		t.Run(kind, func(t *testing.T) {
			cfg.MappingStore = kind
			st, err := Store(cfg, nil)
			require.NoError(t, err)
			require.NotNil(t, st)
			defer st.Close()

			id := mapstore.NewID()
			require.NoError(t, st.Save(ctx, id, m))
			got, err := st.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}

	cfg.MappingStore = config.StoreNone
	st, err := Store(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, st)
}
