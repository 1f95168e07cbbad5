// Package secrets stores channel and provider credentials encrypted at
// rest. Values are sealed with XChaCha20-Poly1305 under a master key
// taken from the environment; records are scoped global or per-agent
// and resolved most-specific-first.
package secrets

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// DefaultMasterKeyEnv is the environment variable consulted when the
// config does not name one.
const DefaultMasterKeyEnv = "MOZI_MASTER_KEY"

// ScopeGlobal is the catch-all scope; agent scopes are "agent:{id}".
const ScopeGlobal = "global"

var (
	ErrNotFound     = errors.New("secret not found")
	ErrInvalidScope = errors.New("invalid secret scope")
)

// AgentScope returns the scope string for one agent's secrets.
func AgentScope(agentID string) string {
	return "agent:" + agentID
}

// ValidScope reports whether scope is "global" or a non-empty agent
// scope.
func ValidScope(scope string) bool {
	if scope == ScopeGlobal {
		return true
	}
	id, ok := strings.CutPrefix(scope, "agent:")
	return ok && id != ""
}

// Record is secret metadata. Values never travel in a Record.
type Record struct {
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	Actor      string     `json:"actor,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS secrets (
	name         TEXT NOT NULL,
	scope        TEXT NOT NULL,
	nonce        BLOB NOT NULL,
	ciphertext   BLOB NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	last_used_at TEXT,
	actor        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (name, scope)
);`

// Broker owns the encrypted secret store.
type Broker struct {
	db   *sql.DB
	aead cipher.AEAD
}

// Open opens (creating if needed) the secrets database at path and
// prepares the AEAD from the 32-byte master key.
func Open(path string, masterKey []byte) (*Broker, error) {
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: master key: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("secrets: open %s: %w", path, err)
	}
	// modernc sqlite is single-writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("secrets: init schema: %w", err)
	}
	return &Broker{db: db, aead: aead}, nil
}

// Close releases the database handle.
func (b *Broker) Close() error {
	return b.db.Close()
}

// MasterKeyFromEnv resolves the master key from the named environment
// variable (DefaultMasterKeyEnv when empty). 64 hex chars or base64 of
// 32 bytes are used directly; anything else is digested.
func MasterKeyFromEnv(envName string) ([]byte, error) {
	if envName == "" {
		envName = DefaultMasterKeyEnv
	}
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, fmt.Errorf("secrets: master key env %s is not set", envName)
	}
	if len(raw) == 2*chacha20poly1305.KeySize {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == chacha20poly1305.KeySize {
		return key, nil
	}
	sum := sha256.Sum256([]byte(raw))
	return sum[:], nil
}

// Set stores or replaces a secret value in the given scope.
func (b *Broker) Set(ctx context.Context, name, value, scope, actor string) error {
	if name == "" {
		return errors.New("secrets: empty name")
	}
	if !ValidScope(scope) {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secrets: nonce: %w", err)
	}
	ciphertext := b.aead.Seal(nil, nonce, []byte(value), aad(name, scope))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO secrets (name, scope, nonce, ciphertext, created_at, updated_at, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, scope) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at,
			actor = excluded.actor`,
		name, scope, nonce, ciphertext, now, now, actor)
	if err != nil {
		return fmt.Errorf("secrets: set %s/%s: %w", scope, name, err)
	}
	return nil
}

// Unset removes a secret. Missing records are ErrNotFound.
func (b *Broker) Unset(ctx context.Context, name, scope string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ? AND scope = ?`, name, scope)
	if err != nil {
		return fmt.Errorf("secrets: unset %s/%s: %w", scope, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns metadata for all secrets, or those of one scope.
func (b *Broker) List(ctx context.Context, scope string) ([]Record, error) {
	query := `SELECT name, scope, created_at, updated_at, last_used_at, actor FROM secrets`
	var args []interface{}
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY scope, name`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("secrets: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var createdAt, updatedAt string
		var lastUsedAt sql.NullString
		if err := rows.Scan(&rec.Name, &rec.Scope, &createdAt, &updatedAt, &lastUsedAt, &rec.Actor); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		if lastUsedAt.Valid {
			t := parseTime(lastUsedAt.String)
			rec.LastUsedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Check reports whether a value would resolve for the given agent
// without decrypting it or touching lastUsedAt.
func (b *Broker) Check(ctx context.Context, name, agentID, scope string) (bool, error) {
	for _, s := range resolutionOrder(agentID, scope) {
		var one int
		err := b.db.QueryRowContext(ctx,
			`SELECT 1 FROM secrets WHERE name = ? AND scope = ?`, name, s).Scan(&one)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("secrets: check %s: %w", name, err)
		}
	}
	return false, nil
}

// GetValue decrypts the most specific value for the agent: an explicit
// scope is exact, otherwise agent overrides global. Success stamps
// lastUsedAt.
func (b *Broker) GetValue(ctx context.Context, name, agentID, scope string) (string, error) {
	for _, s := range resolutionOrder(agentID, scope) {
		var nonce, ciphertext []byte
		err := b.db.QueryRowContext(ctx,
			`SELECT nonce, ciphertext FROM secrets WHERE name = ? AND scope = ?`, name, s).
			Scan(&nonce, &ciphertext)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("secrets: get %s: %w", name, err)
		}
		plaintext, err := b.aead.Open(nil, nonce, ciphertext, aad(name, s))
		if err != nil {
			return "", fmt.Errorf("secrets: decrypt %s/%s: %w", s, name, err)
		}
		b.touch(ctx, name, s)
		return string(plaintext), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// touch stamps lastUsedAt; failures are logged, not fatal.
func (b *Broker) touch(ctx context.Context, name, scope string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := b.db.ExecContext(ctx,
		`UPDATE secrets SET last_used_at = ? WHERE name = ? AND scope = ?`, now, name, scope); err != nil {
		slog.Warn("secrets: failed to update lastUsedAt", "name", name, "scope", scope, "error", err)
	}
}

// resolutionOrder lists the scopes to try, most specific first.
func resolutionOrder(agentID, scope string) []string {
	if scope != "" {
		return []string{scope}
	}
	if agentID != "" {
		return []string{AgentScope(agentID), ScopeGlobal}
	}
	return []string{ScopeGlobal}
}

// aad binds a ciphertext to its row so records cannot be swapped around
// inside the database file.
func aad(name, scope string) []byte {
	return []byte(name + "\x00" + scope)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
