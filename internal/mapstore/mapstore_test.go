package mapstore

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/seal"
)

const boxKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var sample = sanitize.Mapping{
	"John Doe":           "[PERSON1]",
	"Jane Roe":           "[PERSON2]",
	"123-45-6789":        "[SSN1]",
	`a "quoted" \ value`: "[NOTE1]",
}

func signingKey(t *testing.T) string {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(k))
}

func newSealer(t *testing.T, enc, sig string) *seal.Sealer {
	t.Helper()
	s, err := seal.New(enc, sig)
	require.NoError(t, err)
	return s
}

func TestCodecRoundTrip(t *testing.T) {
	key := signingKey(t)
	sealers := map[string]*seal.Sealer{
		"nil":              nil,
		"plain":            newSealer(t, "", ""),
		"encrypted":        newSealer(t, boxKey, ""),
		"signed":           newSealer(t, "", key),
		"encrypted+signed": newSealer(t, boxKey, key),
	}
	for name, s := range sealers {
		t.Run(name, func(t *testing.T) {
			data, err := Encode("sess-1", sample, s, time.Unix(1700000000, 0))
			require.NoError(t, err)
			if s.Encrypts() {
				assert.NotContains(t, string(data), "John Doe")
			}

			id, m, err := Decode(data, s)
			require.NoError(t, err)
			assert.Equal(t, "sess-1", id)
			assert.Equal(t, sample, m)
		})
	}
}

func TestDecodeLegacyFlatMapping(t *testing.T) {
	id, m, err := Decode([]byte(`{"John A Doe": "[PERSON1]", "version": "[NOTE1]"}`), nil)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, sanitize.Mapping{"John A Doe": "[PERSON1]", "version": "[NOTE1]"}, m)
}

func TestDecodeRejectsCorruptRecords(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"legacy with non-string values", `{"a": 1}`},
		{"malformed placeholder", `{"John": "PERSON1"}`},
		{"duplicate placeholder", `{"John": "[PERSON1]", "Jane": "[PERSON1]"}`},
		{"empty original", `{"": "[PERSON1]"}`},
		{"unknown version", `{"version": 7, "entries": []}`},
		{"duplicate original", `{"version": 1, "entries": [{"original":"a","placeholder":"[A1]"},{"original":"a","placeholder":"[A2]"}]}`},
		{"bad ciphertext without key", `{"version": 1, "ciphertext": "AAAA"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.data), newSealer(t, "", ""))
			assert.Error(t, err)
		})
	}

	_, _, err := Decode([]byte(`{"John": "PERSON1"}`), nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeDetectsTampering(t *testing.T) {
	s := newSealer(t, "", signingKey(t))
	data, err := Encode("sess", sample, s, time.Now())
	require.NoError(t, err)

	tampered := strings.Replace(string(data), "John Doe", "Mallory", 1)
	_, _, err = Decode([]byte(tampered), s)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorIs(t, err, seal.ErrBadSignature)
}

func TestDecodeRequiresSignatureWhenSigning(t *testing.T) {
	unsigned, err := Encode("sess", sample, nil, time.Now())
	require.NoError(t, err)

	s := newSealer(t, "", signingKey(t))
	_, _, err = Decode(unsigned, s)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, _, err = Decode([]byte(`{"John": "[PERSON1]"}`), s)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeEncryptedNeedsKey(t *testing.T) {
	data, err := Encode("sess", sample, newSealer(t, boxKey, ""), time.Now())
	require.NoError(t, err)

	_, _, err = Decode(data, nil)
	assert.ErrorIs(t, err, seal.ErrNoKey)

	_, _, err = Decode(data, newSealer(t, strings.Repeat("ff", 32), ""))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID(NewID()))
	assert.True(t, ValidID("case_42-b"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("../etc/passwd"))
	assert.False(t, ValidID("a.json"))
	assert.False(t, ValidID(strings.Repeat("a", 129)))
}

// testStore exercises the Store contract shared by all backends.
func testStore(t *testing.T, st Store) {
	ctx := context.Background()
	t.Cleanup(func() { st.Close() })

	_, err := st.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.Delete(ctx, "missing"), ErrNotFound)

	assert.ErrorIs(t, st.Save(ctx, "../escape", sample), ErrInvalidID)
	_, err = st.Load(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidID)

	id := NewID()
	require.NoError(t, st.Save(ctx, id, sample))
	got, err := st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sample, got)

	grown := sample.Clone()
	grown["Max"] = "[PERSON3]"
	require.NoError(t, st.Save(ctx, id, grown))
	got, err = st.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, grown, got)

	require.NoError(t, st.Save(ctx, "empty", sanitize.Mapping{}))
	got, err = st.Load(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, st.Delete(ctx, id))
	_, err = st.Load(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	for name, s := range map[string]*seal.Sealer{
		"plain":  nil,
		"sealed": newSealer(t, boxKey, signingKey(t)),
	} {
		t.Run(name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "mappings")
			st, err := NewFileStore(dir, s)
			require.NoError(t, err)
			testStore(t, st)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			for _, e := range entries {
				assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
			}
		})
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"x":"nope"}`), 0o600))

	_, err = st.Load(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.mapping.json")
	require.NoError(t, WriteFile(path, "doc", sample, nil))

	m, err := ReadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, sample, m)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = ReadFile(filepath.Join(t.TempDir(), "none.json"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore(t *testing.T) {
	for name, s := range map[string]*seal.Sealer{
		"plain":  nil,
		"sealed": newSealer(t, boxKey, signingKey(t)),
	} {
		t.Run(name, func(t *testing.T) {
			st, err := OpenSQLite(filepath.Join(t.TempDir(), "mappings.db"), s)
			require.NoError(t, err)
			testStore(t, st)
		})
	}
}

func TestSQLiteStoreDetectsTampering(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "mappings.db"), newSealer(t, "", signingKey(t)))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Save(ctx, "s1", sample))
	_, err = st.db.Exec(`UPDATE mapping_entries SET original = 'Mallory' WHERE placeholder = '[PERSON1]'`)
	require.NoError(t, err)

	_, err = st.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSQLiteStoreEncryptsOriginals(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "mappings.db"), newSealer(t, boxKey, ""))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Save(ctx, "s1", sample))
	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM mapping_entries WHERE original = 'John Doe'`).Scan(&n))
	assert.Zero(t, n)
}
