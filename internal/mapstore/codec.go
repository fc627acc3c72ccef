package mapstore

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/seal"
)

// FormatVersion is written to every envelope.
const FormatVersion = 1

// Entry is one original/placeholder pair.
type Entry struct {
	Original    string `json:"original"`
	Placeholder string `json:"placeholder"`
}

// Envelope is the on-disk record. Exactly one of Entries and Ciphertext is
// set; Ciphertext holds the sealed JSON of the entries.
type Envelope struct {
	Version    int       `json:"version"`
	Session    string    `json:"session"`
	CreatedAt  time.Time `json:"created_at"`
	Entries    []Entry   `json:"entries,omitempty"`
	Ciphertext string    `json:"ciphertext,omitempty"`
	Signer     string    `json:"signer,omitempty"`
	Signature  string    `json:"signature,omitempty"`
}

// Entries returns m as entries ordered by placeholder.
func Entries(m sanitize.Mapping) []Entry {
	out := make([]Entry, 0, len(m))
	for orig, tok := range m {
		out = append(out, Entry{Original: orig, Placeholder: tok})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Placeholder < out[j].Placeholder })
	return out
}

// canonical is the byte string a signature covers.
func canonical(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(entries)
}

// Encode builds an envelope for m, encrypting and signing it when sealer is
// configured to.
func Encode(id string, m sanitize.Mapping, sealer *seal.Sealer, now time.Time) ([]byte, error) {
	env := Envelope{Version: FormatVersion, Session: id, CreatedAt: now.UTC()}
	entries := Entries(m)
	payload, err := canonical(entries)
	if err != nil {
		return nil, fmt.Errorf("mapstore: encode entries: %w", err)
	}

	if sealer.Encrypts() {
		if env.Ciphertext, err = sealer.SealString(string(payload)); err != nil {
			return nil, fmt.Errorf("mapstore: %w", err)
		}
		payload = []byte(env.Ciphertext)
	} else {
		env.Entries = entries
	}

	if env.Signature, env.Signer, err = sealer.Sign(payload); err != nil {
		return nil, fmt.Errorf("mapstore: %w", err)
	}

	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mapstore: encode: %w", err)
	}
	return out, nil
}

// Decode parses an envelope or a legacy flat {"original": "[PH1]"} object
// and returns the session id (empty for legacy files) and the mapping.
// A sealer with a signing key refuses unsigned records.
func Decode(data []byte, sealer *seal.Sealer) (string, sanitize.Mapping, error) {
	data = bytes.TrimSpace(data)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	// A legacy file may well contain the original "version"; only a numeric
	// value marks an envelope.
	if v, ok := fields["version"]; !ok || len(v) == 0 || v[0] == '"' {
		return decodeLegacy(data, sealer)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != FormatVersion {
		return "", nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}

	var payload []byte
	entries := env.Entries
	if env.Ciphertext != "" {
		plain, err := sealer.OpenString(env.Ciphertext)
		if err != nil {
			if errors.Is(err, seal.ErrNoKey) {
				return "", nil, fmt.Errorf("mapstore: mapping %s is encrypted: %w", env.Session, err)
			}
			return "", nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if err := json.Unmarshal([]byte(plain), &entries); err != nil {
			return "", nil, fmt.Errorf("%w: sealed entries: %v", ErrCorrupt, err)
		}
		payload = []byte(env.Ciphertext)
	} else {
		var err error
		if payload, err = canonical(entries); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	if err := checkSignature(payload, env.Signature, env.Signer, sealer); err != nil {
		return "", nil, err
	}

	m := make(sanitize.Mapping, len(entries))
	for _, e := range entries {
		if _, dup := m[e.Original]; dup {
			return "", nil, fmt.Errorf("%w: original listed twice", ErrCorrupt)
		}
		m[e.Original] = e.Placeholder
	}
	if err := Validate(m); err != nil {
		return "", nil, err
	}
	return env.Session, m, nil
}

func decodeLegacy(data []byte, sealer *seal.Sealer) (string, sanitize.Mapping, error) {
	if sealer.Signs() {
		return "", nil, fmt.Errorf("%w: unsigned legacy mapping", ErrCorrupt)
	}
	var m sanitize.Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := Validate(m); err != nil {
		return "", nil, err
	}
	return "", m, nil
}

func checkSignature(payload []byte, sig, signer string, sealer *seal.Sealer) error {
	if sig == "" {
		if sealer.Signs() {
			return fmt.Errorf("%w: missing signature", ErrCorrupt)
		}
		return nil
	}
	if err := sealer.Verify(payload, sig, signer); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}
