// Package fingerprint derives a stable identity for a completion request.
//
// Two requests share a fingerprint exactly when their normalized serialization
// is byte-identical. Normalization removes differences that never change the
// upstream answer: role casing, a single text part versus plain content, tool
// ordering, empty stop sequences, float formatting, and the volatile request
// id and skip-cache flag.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
)

// KeyPrefix namespaces fingerprints in shared key spaces such as Redis.
const KeyPrefix = "llm:"

// Fingerprint is the SHA-256 digest of a normalized request.
type Fingerprint [sha256.Size]byte

// String returns the lower-case hex rendering.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Key returns the cache key for the fingerprint.
func (f Fingerprint) Key() string { return KeyPrefix + f.String() }

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

type (
	canonicalPart struct {
		T string `json:"t"`
		X string `json:"x,omitempty"`
		U string `json:"u,omitempty"`
	}

	canonicalMessage struct {
		R     string          `json:"r"`
		N     string          `json:"n,omitempty"`
		TC    string          `json:"tc,omitempty"`
		Text  *string         `json:"c,omitempty"`
		Parts []canonicalPart `json:"p,omitempty"`
	}

	canonicalTool struct {
		N string         `json:"n"`
		D string         `json:"d,omitempty"`
		P map[string]any `json:"p,omitempty"`
	}

	canonicalFormat struct {
		T  string         `json:"t"`
		N  string         `json:"n,omitempty"`
		S  map[string]any `json:"s,omitempty"`
		St bool           `json:"st,omitempty"`
	}

	canonicalRequest struct {
		M    string             `json:"m"`
		Msgs []canonicalMessage `json:"msgs"`
		T    string             `json:"t,omitempty"`
		P    string             `json:"p,omitempty"`
		MT   int                `json:"mt,omitempty"`
		S    []string           `json:"s,omitempty"`
		TL   []canonicalTool    `json:"tl,omitempty"`
		TCh  string             `json:"tch,omitempty"`
		RF   *canonicalFormat   `json:"rf,omitempty"`
	}
)

// Of computes the fingerprint of req. It is pure: equal requests always yield
// equal fingerprints, in any process. It fails when req carries a tool or
// schema value that has no JSON encoding.
func Of(req *providers.Request) (Fingerprint, error) {
	data, err := Canonical(req)
	if err != nil {
		return Fingerprint{}, err
	}
	return sha256.Sum256(data), nil
}

// Canonical returns the normalized serialization that Of hashes.
// encoding/json renders map keys in sorted order, which makes nested schema
// maps deterministic.
func Canonical(req *providers.Request) ([]byte, error) {
	c := canonicalRequest{
		M:    strings.TrimSpace(req.Model),
		Msgs: make([]canonicalMessage, len(req.Messages)),
		MT:   req.MaxTokens,
		TCh:  strings.TrimSpace(req.ToolChoice),
	}

	for i, m := range req.Messages {
		c.Msgs[i] = canonicalizeMessage(m)
	}

	if req.Temperature != nil {
		c.T = formatFloat(*req.Temperature)
	}
	if req.TopP != nil {
		c.P = formatFloat(*req.TopP)
	}

	for _, s := range req.Stop {
		if s != "" {
			c.S = append(c.S, s)
		}
	}

	if len(req.Tools) > 0 {
		c.TL = make([]canonicalTool, len(req.Tools))
		for i, t := range req.Tools {
			c.TL[i] = canonicalTool{N: t.Name, D: t.Description, P: t.Parameters}
		}
		sort.SliceStable(c.TL, func(i, j int) bool { return c.TL[i].N < c.TL[j].N })
	}

	if rf := req.ResponseFormat; rf != nil {
		c.RF = &canonicalFormat{
			T:  strings.ToLower(strings.TrimSpace(rf.Type)),
			N:  rf.Name,
			S:  rf.Schema,
			St: rf.Strict,
		}
	}

	// Tool parameters and schemas are caller-supplied maps and may hold
	// NaN, Inf, funcs or channels.
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: encode request: %w", err)
	}
	return data, nil
}

func canonicalizeMessage(m providers.Message) canonicalMessage {
	out := canonicalMessage{
		R:  strings.ToLower(strings.TrimSpace(m.Role)),
		N:  m.Name,
		TC: m.ToolCallID,
	}
	if m.IsPlain() {
		text := m.PlainText()
		out.Text = &text
		return out
	}
	out.Parts = make([]canonicalPart, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = canonicalPart{T: p.Type, X: p.Text, U: p.URL}
	}
	return out
}

// formatFloat renders sampling parameters in their shortest exact form, so
// 0.7 and 0.70 agree while 0.70001 stays distinct.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// MarshalText renders the fingerprint as hex so encoded entries stay readable.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText parses the hex rendering produced by MarshalText.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(f) {
		return fmt.Errorf("fingerprint: invalid length %d", len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}
