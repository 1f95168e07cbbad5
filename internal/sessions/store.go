package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/providers"
)

const manifestName = "sessions.json"

// Transcript lines can carry inline base64 images.
const maxTranscriptLine = 32 * 1024 * 1024

var (
	ErrNotFound          = errors.New("session not found")
	ErrNoPreviousSegment = errors.New("no previous segment to revert to")
	ErrSegmentArchived   = errors.New("segment is archived")
)

// Segment is one contiguous run of transcript within a session. At most
// one segment per session is live; the rest are archived and immutable.
type Segment struct {
	ID            string    `json:"sessionId"`
	Path          string    `json:"path"` // relative to the store dir
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Archived      bool      `json:"archived,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	PrevSessionID string    `json:"prevSessionId,omitempty"`
	NextSessionID string    `json:"nextSessionId,omitempty"`
}

// Session is the keyed state for one conversation: manifest attributes
// plus the parsed transcript of the latest segment.
type Session struct {
	Key               string                 `json:"-"`
	AgentID           string                 `json:"agentId"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
	Model             string                 `json:"model,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	SessionID         string                 `json:"sessionId"` // latest segment id
	HistorySessionIDs []string               `json:"historySessionIds,omitempty"`
	Segments          map[string]*Segment    `json:"segments"`

	// Context is the in-memory message sequence of the latest segment.
	// It is loaded lazily and excluded from the manifest.
	Context []providers.Message `json:"-"`

	contextLoaded bool
}

// Latest returns the session's live segment.
func (s *Session) Latest() *Segment {
	return s.Segments[s.SessionID]
}

// Update is a partial mutation applied by Store.Update. Nil fields are
// left untouched.
type Update struct {
	// Context replaces the in-memory transcript and rewrites the latest
	// segment file when non-nil.
	Context []providers.Message
	// Model rebinds the session's model reference.
	Model *string
	// Metadata entries are merged key-wise; a nil value deletes the key.
	Metadata map[string]interface{}
	// Summary is stored on the latest segment.
	Summary *string
}

// Info is a lightweight descriptor for listing.
type Info struct {
	Key          string    `json:"key"`
	AgentID      string    `json:"agentId"`
	Model        string    `json:"model,omitempty"`
	SegmentCount int       `json:"segmentCount"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store owns the session manifest and the per-segment transcript files
// under one directory:
//
//	{dir}/sessions.json
//	{dir}/{agentId}/{segmentId}.jsonl
//
// All mutations persist the manifest atomically before returning.
type Store struct {
	dir      string
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore opens (or initializes) a session store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &Store{dir: dir, sessions: make(map[string]*Session)}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Get looks a session up in memory. It never touches disk and the
// returned snapshot's Context is only populated if a prior GetOrCreate
// loaded it.
func (s *Store) Get(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	return snapshotSession(sess), true
}

// GetOrCreate returns the session for key, creating it with a fresh
// segment when absent. The returned snapshot includes the parsed
// transcript of the latest segment.
func (s *Store) GetOrCreate(key, agentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if ok {
		if err := s.ensureContextLoaded(sess); err != nil {
			return nil, err
		}
		return snapshotSession(sess), nil
	}

	now := time.Now().UTC()
	segID := uuid.NewString()
	seg := &Segment{
		ID:        segID,
		Path:      segmentPath(agentID, segID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	sess = &Session{
		Key:           key,
		AgentID:       agentID,
		CreatedAt:     now,
		UpdatedAt:     now,
		SessionID:     segID,
		Segments:      map[string]*Segment{segID: seg},
		Context:       []providers.Message{},
		contextLoaded: true,
	}

	if err := s.writeTranscript(sess, seg, nil); err != nil {
		return nil, err
	}
	s.sessions[key] = sess
	if err := s.saveManifest(); err != nil {
		delete(s.sessions, key)
		return nil, err
	}
	return snapshotSession(sess), nil
}

// Update merges changes into the session and persists them. A non-nil
// Context rewrites the latest segment's transcript; archived segments
// are never touched.
func (s *Store) Update(key string, up Update) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	latest := sess.Latest()
	if latest == nil {
		return nil, fmt.Errorf("session %s has no latest segment", key)
	}
	if latest.Archived {
		return nil, fmt.Errorf("%w: %s", ErrSegmentArchived, latest.ID)
	}

	now := time.Now().UTC()
	if up.Model != nil {
		sess.Model = *up.Model
	}
	if up.Summary != nil {
		latest.Summary = *up.Summary
	}
	if len(up.Metadata) > 0 {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]interface{})
		}
		for k, v := range up.Metadata {
			if v == nil {
				delete(sess.Metadata, k)
				continue
			}
			sess.Metadata[k] = v
		}
	}
	if up.Context != nil {
		sess.Context = providers.CloneMessages(up.Context)
		sess.contextLoaded = true
		latest.UpdatedAt = now
		if err := s.writeTranscript(sess, latest, sess.Context); err != nil {
			return nil, err
		}
	}
	sess.UpdatedAt = now

	if err := s.saveManifest(); err != nil {
		return nil, err
	}
	return snapshotSession(sess), nil
}

// RotateSegment archives the latest segment and starts a fresh one,
// linking the two and clearing the in-memory context.
func (s *Store) RotateSegment(key, agentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	old := sess.Latest()
	if old == nil {
		return nil, fmt.Errorf("session %s has no latest segment", key)
	}
	if err := s.ensureContextLoaded(sess); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	newID := uuid.NewString()
	fresh := &Segment{
		ID:            newID,
		Path:          segmentPath(agentID, newID),
		CreatedAt:     now,
		UpdatedAt:     now,
		PrevSessionID: old.ID,
	}

	// Seal the outgoing segment. Its file is rewritten once with the
	// archival header and never again.
	old.Archived = true
	old.NextSessionID = newID
	old.UpdatedAt = now
	if err := s.writeTranscript(sess, old, sess.Context); err != nil {
		return nil, err
	}

	sess.SessionID = newID
	sess.Segments[newID] = fresh
	sess.HistorySessionIDs = append(sess.HistorySessionIDs, old.ID)
	sess.Context = []providers.Message{}
	sess.contextLoaded = true
	sess.UpdatedAt = now

	if err := s.writeTranscript(sess, fresh, nil); err != nil {
		return nil, err
	}
	if err := s.saveManifest(); err != nil {
		return nil, err
	}
	return snapshotSession(sess), nil
}

// RevertToPreviousSegment undoes the most recent rotation: the previous
// segment absorbs the current segment's messages and becomes the latest
// again. Fails when the latest segment has no predecessor.
func (s *Store) RevertToPreviousSegment(key, agentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	current := sess.Latest()
	if current == nil {
		return nil, fmt.Errorf("session %s has no latest segment", key)
	}
	if current.PrevSessionID == "" {
		return nil, fmt.Errorf("%w: session %s", ErrNoPreviousSegment, key)
	}
	prev, ok := sess.Segments[current.PrevSessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: previous segment %s missing from manifest", key, current.PrevSessionID)
	}
	if err := s.ensureContextLoaded(sess); err != nil {
		return nil, err
	}
	_, prevMsgs, err := s.readTranscript(filepath.Join(s.dir, prev.Path))
	if err != nil {
		return nil, fmt.Errorf("read previous segment: %w", err)
	}

	now := time.Now().UTC()
	merged := append(prevMsgs, sess.Context...)

	prev.Archived = false
	prev.NextSessionID = ""
	prev.UpdatedAt = now

	current.Archived = true
	current.UpdatedAt = now

	sess.SessionID = prev.ID
	sess.Context = merged
	sess.contextLoaded = true
	sess.UpdatedAt = now
	sess.HistorySessionIDs = removeString(sess.HistorySessionIDs, prev.ID)

	if err := s.writeTranscript(sess, prev, merged); err != nil {
		return nil, err
	}
	if err := s.writeTranscript(sess, current, nil); err != nil {
		slog.Warn("sessions: failed to seal reverted segment", "segment", current.ID, "error", err)
	}
	if err := s.saveManifest(); err != nil {
		return nil, err
	}
	return snapshotSession(sess), nil
}

// List returns descriptors for all sessions, optionally filtered by
// agent id, newest first.
func (s *Store) List(agentID string) []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Info
	for key, sess := range s.sessions {
		if agentID != "" && sess.AgentID != agentID {
			continue
		}
		out = append(out, Info{
			Key:          key,
			AgentID:      sess.AgentID,
			Model:        sess.Model,
			SegmentCount: len(sess.Segments),
			MessageCount: len(sess.Context),
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Target identifies a session together with the channel coordinates
// replies for it are delivered on.
type Target struct {
	Key      string
	Channel  string
	PeerID   string
	PeerKind string // "dm" or "group"
}

// LastUsedTarget finds the most recently updated channel session for an
// agent. Heartbeats use it to resolve target="last"; subagent sessions
// never qualify.
func (s *Store) LastUsedTarget(agentID string) (Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := "agent:" + agentID + ":"
	var bestKey string
	var bestUpdated time.Time
	for key, sess := range s.sessions {
		if !strings.HasPrefix(key, prefix) || IsSubagentKey(key) {
			continue
		}
		if sess.UpdatedAt.After(bestUpdated) {
			bestUpdated = sess.UpdatedAt
			bestKey = key
		}
	}
	if bestKey == "" {
		return Target{}, false
	}
	_, rest := ParseKey(bestKey)
	parts := strings.Split(rest, ":")
	// {channel}[:{account}]:{peerType}:{peerId}[...]
	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == string(PeerDM) || parts[i] == string(PeerGroup) {
			return Target{
				Key:      bestKey,
				Channel:  parts[0],
				PeerID:   parts[i+1],
				PeerKind: parts[i],
			}, true
		}
	}
	return Target{}, false
}

// LastUsedChannel extracts just the channel and peer id of the agent's
// most recent session.
func (s *Store) LastUsedChannel(agentID string) (channel, peerID string) {
	t, ok := s.LastUsedTarget(agentID)
	if !ok {
		return "", ""
	}
	return t.Channel, t.PeerID
}

// --- persistence ---

type transcriptHeader struct {
	Type          string                 `json:"type"` // "session"
	SessionID     string                 `json:"sessionId"`
	SessionKey    string                 `json:"sessionKey"`
	AgentID       string                 `json:"agentId"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     *time.Time             `json:"updatedAt,omitempty"`
	Archived      bool                   `json:"archived,omitempty"`
	PrevSessionID string                 `json:"prevSessionId,omitempty"`
	NextSessionID string                 `json:"nextSessionId,omitempty"`
	Model         string                 `json:"model,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type transcriptLine struct {
	Type    string             `json:"type"` // "message"
	Message *providers.Message `json:"message"`
}

func segmentPath(agentID, segID string) string {
	return filepath.Join(sanitizePathComponent(agentID), segID+".jsonl")
}

func sanitizePathComponent(name string) string {
	clean := strings.ReplaceAll(name, ":", "_")
	clean = strings.ReplaceAll(clean, string(filepath.Separator), "_")
	if clean == "" || clean == "." || clean == ".." {
		clean = "_"
	}
	return clean
}

func (s *Store) ensureContextLoaded(sess *Session) error {
	if sess.contextLoaded {
		return nil
	}
	latest := sess.Latest()
	if latest == nil {
		sess.Context = []providers.Message{}
		sess.contextLoaded = true
		return nil
	}
	_, msgs, err := s.readTranscript(filepath.Join(s.dir, latest.Path))
	if err != nil {
		if os.IsNotExist(err) {
			sess.Context = []providers.Message{}
			sess.contextLoaded = true
			return nil
		}
		return fmt.Errorf("load transcript %s: %w", latest.Path, err)
	}
	sess.Context = msgs
	sess.contextLoaded = true
	return nil
}

func (s *Store) readTranscript(path string) (*transcriptHeader, []providers.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTranscriptLine)

	var header *transcriptHeader
	var msgs []providers.Message
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if lineNo == 1 {
			var h transcriptHeader
			if err := json.Unmarshal([]byte(line), &h); err != nil {
				return nil, nil, fmt.Errorf("parse header: %w", err)
			}
			header = &h
			continue
		}
		var rec transcriptLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Warn("sessions: skipping malformed transcript line", "path", path, "line", lineNo, "error", err)
			continue
		}
		if rec.Message != nil {
			msgs = append(msgs, *rec.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return header, msgs, nil
}

// writeTranscript rewrites a segment file as [header, ...messages],
// one JSON document per line, atomically.
func (s *Store) writeTranscript(sess *Session, seg *Segment, msgs []providers.Message) error {
	updated := seg.UpdatedAt
	header := transcriptHeader{
		Type:          "session",
		SessionID:     seg.ID,
		SessionKey:    sess.Key,
		AgentID:       sess.AgentID,
		CreatedAt:     seg.CreatedAt,
		UpdatedAt:     &updated,
		Archived:      seg.Archived,
		PrevSessionID: seg.PrevSessionID,
		NextSessionID: seg.NextSessionID,
		Model:         sess.Model,
		Metadata:      sess.Metadata,
	}

	var b strings.Builder
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	b.Write(hdr)
	b.WriteByte('\n')
	for i := range msgs {
		line, err := json.Marshal(transcriptLine{Type: "message", Message: &msgs[i]})
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", i, err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}

	path := filepath.Join(s.dir, seg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWrite(filepath.Dir(path), path, []byte(b.String()))
}

func (s *Store) loadManifest() error {
	path := filepath.Join(s.dir, manifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read manifest: %w", err)
	}
	var records map[string]*Session
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	for key, sess := range records {
		sess.Key = key
		if sess.Segments == nil {
			sess.Segments = make(map[string]*Segment)
		}
		s.sessions[key] = sess
	}
	return nil
}

// saveManifest persists all session records. Callers hold s.mu.
func (s *Store) saveManifest() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.dir, filepath.Join(s.dir, manifestName), data)
}

// atomicWrite lands data at path via a temp file and rename so readers
// never observe a partial file.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func snapshotSession(sess *Session) *Session {
	out := &Session{
		Key:           sess.Key,
		AgentID:       sess.AgentID,
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
		Model:         sess.Model,
		SessionID:     sess.SessionID,
		contextLoaded: sess.contextLoaded,
	}
	if sess.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(sess.Metadata))
		for k, v := range sess.Metadata {
			out.Metadata[k] = v
		}
	}
	if sess.HistorySessionIDs != nil {
		out.HistorySessionIDs = append([]string(nil), sess.HistorySessionIDs...)
	}
	out.Segments = make(map[string]*Segment, len(sess.Segments))
	for id, seg := range sess.Segments {
		copySeg := *seg
		out.Segments[id] = &copySeg
	}
	if sess.contextLoaded {
		out.Context = providers.CloneMessages(sess.Context)
		if out.Context == nil {
			out.Context = []providers.Message{}
		}
	}
	return out
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
