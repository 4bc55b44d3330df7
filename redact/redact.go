// Package redact masks likely secrets in file content before it is shown
// or exported by shadowcp diff.
package redact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Placeholder replaces every redacted region.
const Placeholder = "REDACTED"

// candidatePattern matches token-like runs that are checked for entropy.
var candidatePattern = regexp.MustCompile(`[A-Za-z0-9/+_=-]{10,}`)

// entropyThreshold is the Shannon entropy above which a token-like run is
// treated as a secret. API keys and tokens sit well above 5.0.
const entropyThreshold = 4.5

// RuleEntropy names findings produced by the entropy check.
const RuleEntropy = "high-entropy"

// lockfiles hold integrity hashes that always look like secrets.
var lockfiles = map[string]bool{
	"package-lock.json":   true,
	"npm-shrinkwrap.json": true,
	"yarn.lock":           true,
	"pnpm-lock.yaml":      true,
	"go.sum":              true,
	"Cargo.lock":          true,
	"poetry.lock":         true,
	"Gemfile.lock":        true,
	"composer.lock":       true,
}

var (
	detector     *detect.Detector
	detectorOnce sync.Once
)

// gitleaks loads the default rule set once. A nil detector leaves only the
// entropy check active.
func gitleaks() *detect.Detector {
	detectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return
		}
		detector = d
	})
	return detector
}

// Finding is a byte range of s flagged as a secret.
type Finding struct {
	Start, End int
	Rule       string
}

// Scan reports secret ranges in s, sorted by start offset. Ranges may
// overlap when both detectors flag the same text.
func Scan(s string) []Finding {
	var found []Finding
	for _, loc := range candidatePattern.FindAllStringIndex(s, -1) {
		if shannonEntropy(s[loc[0]:loc[1]]) > entropyThreshold {
			found = append(found, Finding{Start: loc[0], End: loc[1], Rule: RuleEntropy})
		}
	}

	if d := gitleaks(); d != nil {
		for _, f := range d.DetectString(s) {
			if f.Secret == "" {
				continue
			}
			for from := 0; ; {
				idx := strings.Index(s[from:], f.Secret)
				if idx < 0 {
					break
				}
				start := from + idx
				found = append(found, Finding{Start: start, End: start + len(f.Secret), Rule: f.RuleID})
				from = start + len(f.Secret)
			}
		}
	}

	slices.SortStableFunc(found, func(a, b Finding) int { return a.Start - b.Start })
	return found
}

// String replaces every secret in s with Placeholder.
func String(s string) string {
	found := Scan(s)
	if len(found) == 0 {
		return s
	}

	var b strings.Builder
	prev := 0
	end := -1
	for _, f := range found {
		if f.Start <= end {
			// Overlaps the current run; extend it.
			end = max(end, f.End)
			continue
		}
		if end >= 0 {
			b.WriteString(Placeholder)
			prev = end
		}
		b.WriteString(s[prev:f.Start])
		end = f.End
	}
	b.WriteString(Placeholder)
	b.WriteString(s[end:])
	return b.String()
}

// Bytes is String for []byte content. The input slice is returned as-is
// when nothing is redacted.
func Bytes(b []byte) []byte {
	s := string(b)
	out := String(s)
	if out == s {
		return b
	}
	return []byte(out)
}

// Content redacts the content of the workspace file at relPath. Lockfiles
// are returned unchanged. JSON and JSON Lines documents are redacted by
// string value so their structure survives; content that fails to parse
// falls back to plain redaction.
func Content(relPath, content string) string {
	if content == "" || IsLockfile(relPath) {
		return content
	}
	switch strings.ToLower(path.Ext(relPath)) {
	case ".json":
		if out, ok := jsonDocument(content); ok {
			return out
		}
	case ".jsonl", ".ndjson":
		return jsonLines(content)
	}
	return String(content)
}

// IsLockfile reports whether relPath names a dependency lockfile.
func IsLockfile(relPath string) bool {
	return lockfiles[path.Base(strings.ReplaceAll(relPath, "\\", "/"))]
}

func jsonDocument(content string) (string, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return "", false
	}
	out, err := replaceValues(content, parsed)
	if err != nil {
		return "", false
	}
	return out, true
}

func jsonLines(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			lines[i] = String(line)
			continue
		}
		out, err := replaceValues(line, parsed)
		if err != nil {
			lines[i] = String(line)
			continue
		}
		lines[i] = out
	}
	return strings.Join(lines, "\n")
}

// replaceValues rewrites each secret-bearing string value of parsed in the
// raw text, leaving keys, numbers and formatting alone.
func replaceValues(raw string, parsed any) (string, error) {
	for _, r := range stringReplacements(parsed) {
		from, err := encodeJSONString(r[0])
		if err != nil {
			return "", err
		}
		to, err := encodeJSONString(r[1])
		if err != nil {
			return "", err
		}
		raw = strings.ReplaceAll(raw, from, to)
	}
	return raw, nil
}

// stringReplacements collects unique (original, redacted) string values.
// Values under identifier and checksum keys are skipped.
func stringReplacements(v any) [][2]string {
	seen := make(map[string]bool)
	var out [][2]string
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			for k, child := range val {
				if skipKey(k) {
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		case string:
			if seen[val] {
				return
			}
			seen[val] = true
			if red := String(val); red != val {
				out = append(out, [2]string{val, red})
			}
		}
	}
	walk(v)
	return out
}

func skipKey(key string) bool {
	lower := strings.ToLower(key)
	for _, suffix := range []string{"id", "ids", "sha", "hash", "integrity", "checksum"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := range len(s) {
		freq[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// encodeJSONString returns the JSON encoding of s without HTML escaping.
func encodeJSONString(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", fmt.Errorf("failed to encode JSON string: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
