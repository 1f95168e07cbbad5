package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RedactedSentinel marks a sensitive value withheld from clients. A
// mutation carrying the sentinel keeps the currently stored value.
const RedactedSentinel = "<__mozi_redacted__>"

// maxBackups bounds how many .bak copies of the config file are kept.
const maxBackups = 5

// sensitiveSuffixes marks config fields holding credentials. Matching is
// case-insensitive on the field name's suffix.
var sensitiveSuffixes = []string{"apikey", "token", "secret", "password"}

// IsSensitiveKey reports whether a config field name holds a credential.
func IsSensitiveKey(name string) bool {
	l := strings.ToLower(name)
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(l, suffix) {
			return true
		}
	}
	return false
}

// RawHash returns the digest used for optimistic concurrency: the hex
// SHA-256 of the file bytes.
func RawHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store owns the configuration file. All mutations funnel through one
// mutex so in-process writers serialize; cross-process races are caught
// by the expected-hash check.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store for the config file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the configuration file path.
func (s *Store) Path() string { return s.path }

// Snapshot describes the on-disk state at one point in time.
type Snapshot struct {
	Path    string     `json:"path"`
	Exists  bool       `json:"exists"`
	Raw     string     `json:"raw,omitempty"`
	RawHash string     `json:"rawHash,omitempty"`
	Load    LoadResult `json:"load"`
}

// Snapshot reads and parses the file without mutating anything.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Path: s.path}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		cfg := Default()
		cfg.applyEnvOverrides()
		snap.Load = LoadResult{Success: true, Config: cfg}
		return snap
	}
	snap.Exists = true
	snap.Raw = string(raw)
	snap.RawHash = RawHash(raw)
	snap.Load = LoadBytes(raw, filepath.Dir(s.path))
	return snap
}

// WriteOptions guards a mutation with optimistic concurrency.
type WriteOptions struct {
	// ExpectedRawHash, when non-empty, must match the current on-disk
	// hash or the write fails with ErrConflict.
	ExpectedRawHash string
}

// Operation is one entry in an Apply batch.
type Operation struct {
	Op    string      `json:"op"` // "set", "unset" or "patch"
	Path  string      `json:"path,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// Set writes a single value at a dotted path, e.g. "logging.level".
func (s *Store) Set(path string, value interface{}, opts WriteOptions) error {
	return s.Apply([]Operation{{Op: "set", Path: path, Value: value}}, opts)
}

// Unset removes the value at a dotted path. Missing paths are a no-op.
func (s *Store) Unset(path string, opts WriteOptions) error {
	return s.Apply([]Operation{{Op: "unset", Path: path}}, opts)
}

// Patch deep-merges an object into the document.
func (s *Store) Patch(patch map[string]interface{}, opts WriteOptions) error {
	return s.Apply([]Operation{{Op: "patch", Value: patch}}, opts)
}

// Apply runs a batch of operations left to right against a deep clone of
// the parsed document, resolves redaction sentinels, validates the result
// and writes once. Any error leaves the file byte-identical to pre-call.
func (s *Store) Apply(ops []Operation, opts WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	var doc map[string]interface{}
	if len(raw) > 0 {
		doc, err = ParseDocument(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", s.path, err)
		}
	} else {
		doc = map[string]interface{}{}
	}

	next := deepCloneDocument(doc)
	for i, op := range ops {
		if err := applyOperation(next, op); err != nil {
			return fmt.Errorf("operation %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}

	if err := resolveSentinels(next, doc, nil); err != nil {
		return err
	}

	if errs := validateDocument(next); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	out, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	return s.writeRawLocked(string(out)+"\n", opts)
}

// WriteRawAtomic replaces the file contents verbatim. The previous file
// is kept as a timestamped .bak copy and the new text lands via a temp
// file rename so readers never observe a partial write.
func (s *Store) WriteRawAtomic(newText string, opts WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRawLocked(newText, opts)
}

func (s *Store) writeRawLocked(newText string, opts WriteOptions) error {
	current, err := os.ReadFile(s.path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	if opts.ExpectedRawHash != "" {
		got := ""
		if exists {
			got = RawHash(current)
		}
		if got != opts.ExpectedRawHash {
			return fmt.Errorf("%w: expected hash %s, found %s", ErrConflict, shortHash(opts.ExpectedRawHash), shortHash(got))
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if exists {
		if err := s.rotateBackups(current); err != nil {
			return err
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(newText), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// rotateBackups copies the current bytes to a timestamped .bak file and
// prunes the oldest copies beyond maxBackups. Timestamps are fixed-width
// so lexicographic order is chronological.
func (s *Store) rotateBackups(current []byte) error {
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
	backup := fmt.Sprintf("%s.bak.%s", s.path, stamp)
	if err := os.WriteFile(backup, current, 0o600); err != nil {
		return err
	}
	matches, err := filepath.Glob(s.path + ".bak.*")
	if err != nil || len(matches) <= maxBackups {
		return nil
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-maxBackups] {
		os.Remove(old)
	}
	return nil
}

func applyOperation(doc map[string]interface{}, op Operation) error {
	switch op.Op {
	case "set":
		return setPath(doc, op.Path, op.Value)
	case "unset":
		return unsetPath(doc, op.Path)
	case "patch":
		obj, ok := op.Value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("patch value must be an object")
		}
		mergeDocs(doc, obj)
		return nil
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func setPath(doc map[string]interface{}, path string, value interface{}) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty path")
	}
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next == nil {
			m := map[string]interface{}{}
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s is not an object", p)
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func unsetPath(doc map[string]interface{}, path string) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty path")
	}
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			return nil
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
	return nil
}

// LookupPath returns the value at a dotted path in a parsed document.
func LookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveSentinels replaces RedactedSentinel values with the value at the
// same path in prev. Substitution only applies to sensitive fields; a
// sentinel anywhere else, or one without a stored value, aborts the write
// so the placeholder never persists.
func resolveSentinels(doc, prev map[string]interface{}, path []string) error {
	for k, v := range doc {
		kpath := append(path[:len(path):len(path)], k)
		switch val := v.(type) {
		case string:
			if val != RedactedSentinel {
				continue
			}
			if IsSensitiveKey(k) && prev != nil {
				if stored, ok := prev[k].(string); ok && stored != "" && stored != RedactedSentinel {
					doc[k] = stored
					continue
				}
			}
			return fmt.Errorf("%w: %s", ErrSensitiveMissing, strings.Join(kpath, "."))
		case map[string]interface{}:
			var sub map[string]interface{}
			if prev != nil {
				sub, _ = prev[k].(map[string]interface{})
			}
			if err := resolveSentinels(val, sub, kpath); err != nil {
				return err
			}
		case []interface{}:
			for _, item := range val {
				if sv, ok := item.(string); ok && sv == RedactedSentinel {
					return fmt.Errorf("%w: %s", ErrSensitiveMissing, strings.Join(kpath, "."))
				}
			}
		}
	}
	return nil
}

// Redacted returns a deep copy of doc with sensitive string values
// replaced by RedactedSentinel. Used before handing documents to CLI or
// gateway clients.
func Redacted(doc map[string]interface{}) map[string]interface{} {
	out := deepCloneDocument(doc)
	redactInPlace(out)
	return out
}

func redactInPlace(doc map[string]interface{}) {
	for k, v := range doc {
		switch val := v.(type) {
		case string:
			if val != "" && IsSensitiveKey(k) {
				doc[k] = RedactedSentinel
			}
		case map[string]interface{}:
			redactInPlace(val)
		}
	}
}

func deepCloneDocument(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return map[string]interface{}{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func shortHash(h string) string {
	if h == "" {
		return "(none)"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
