// Package store persists per-user conversation history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pocketbotio/pocketbot/pkg/logger"
)

// Role identifies who produced a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Kind classifies a storage failure so callers can decide whether the
// pipeline should halt or reject the request.
type Kind int

const (
	// KindUnavailable means the backing database could not serve the request.
	KindUnavailable Kind = iota
	// KindInvalidUser means the user identity was empty or unknown.
	KindInvalidUser
)

// StorageError wraps a storage failure with its classification.
type StorageError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	switch e.Kind {
	case KindInvalidUser:
		return fmt.Sprintf("storage %s: invalid user: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("storage %s: unavailable: %v", e.Op, e.Err)
	}
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsInvalidUser reports whether err is a StorageError caused by a bad user identity.
func IsInvalidUser(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindInvalidUser
}

// IsUnavailable reports whether err is a StorageError caused by backend failure.
func IsUnavailable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindUnavailable
}

func unavailable(op string, err error) error {
	return &StorageError{Kind: KindUnavailable, Op: op, Err: err}
}

func invalidUser(op string, err error) error {
	return &StorageError{Kind: KindInvalidUser, Op: op, Err: err}
}

// Turn is one persisted conversation message.
type Turn struct {
	ID        int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// User is a persisted chat participant profile.
type User struct {
	Key       string
	Channel   string
	UserID    string
	ChatID    string
	Username  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Store is a SQLite-backed conversation store. Safe for concurrent use;
// turn ordering within a user is defined by the rowid of the turns table.
type Store struct {
	db *sql.DB
}

// UserKey builds the storage identity for a channel-scoped user.
func UserKey(channel, userID string) string {
	return channel + ":" + userID
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, unavailable("open", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, unavailable("open", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.InfoCF("store", "Conversation store opened", map[string]interface{}{
		"path": path,
	})
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		key        TEXT PRIMARY KEY,
		channel    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		chat_id    TEXT NOT NULL,
		username   TEXT NOT NULL DEFAULT '',
		first_seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS turns (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_key   TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_key, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// EnsureUser upserts the user profile and refreshes last_seen.
func (s *Store) EnsureUser(ctx context.Context, channel, userID, chatID, username string) error {
	if strings.TrimSpace(userID) == "" {
		return invalidUser("ensure_user", errors.New("empty user id"))
	}

	key := UserKey(channel, userID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (key, channel, user_id, chat_id, username)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			chat_id   = excluded.chat_id,
			username  = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
			last_seen = CURRENT_TIMESTAMP`,
		key, channel, userID, chatID, username)
	if err != nil {
		return unavailable("ensure_user", err)
	}
	return nil
}

// GetUser loads a user profile, or nil when the user has never been seen.
func (s *Store) GetUser(ctx context.Context, userKey string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, channel, user_id, chat_id, username, first_seen, last_seen
		FROM users WHERE key = ?`, userKey)

	var u User
	err := row.Scan(&u.Key, &u.Channel, &u.UserID, &u.ChatID, &u.Username, &u.FirstSeen, &u.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get_user", err)
	}
	return &u, nil
}

// Append records one turn for userKey. The first append for an unseen
// user creates the profile row, so callers do not have to register users
// before writing history. InvalidUser is reserved for malformed input.
func (s *Store) Append(ctx context.Context, userKey, role, content string) error {
	channel, userID, ok := splitUserKey(userKey)
	if !ok {
		return invalidUser("append", fmt.Errorf("malformed user key %q", userKey))
	}
	if role != RoleUser && role != RoleAssistant {
		return invalidUser("append", fmt.Errorf("unknown role %q", role))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("append", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (key, channel, user_id, chat_id)
		VALUES (?, ?, ?, '')
		ON CONFLICT(key) DO NOTHING`,
		userKey, channel, userID); err != nil {
		return unavailable("append", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (user_key, role, content) VALUES (?, ?, ?)`,
		userKey, role, content); err != nil {
		return unavailable("append", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("append", err)
	}
	return nil
}

// splitUserKey parses a "channel:userID" storage key. Both parts must be
// non-empty for the key to be well formed.
func splitUserKey(userKey string) (channel, userID string, ok bool) {
	idx := strings.Index(userKey, ":")
	if idx <= 0 || strings.TrimSpace(userKey[idx+1:]) == "" {
		return "", "", false
	}
	return userKey[:idx], userKey[idx+1:], true
}

// Window returns the most recent n turns for userKey in chronological order.
// A user with no history yields an empty slice, not an error.
func (s *Store) Window(ctx context.Context, userKey string, n int) ([]Turn, error) {
	if n <= 0 {
		return []Turn{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at FROM (
			SELECT id, role, content, created_at
			FROM turns WHERE user_key = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, userKey, n)
	if err != nil {
		return nil, unavailable("window", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, unavailable("window", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("window", err)
	}
	return turns, nil
}

// Count returns the number of stored turns for userKey.
func (s *Store) Count(ctx context.Context, userKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM turns WHERE user_key = ?`, userKey).Scan(&n)
	if err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// Prune deletes turns beyond the keep most recent ones for userKey and
// returns how many were removed.
func (s *Store) Prune(ctx context.Context, userKey string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM turns WHERE user_key = ? AND id NOT IN (
			SELECT id FROM turns WHERE user_key = ?
			ORDER BY id DESC LIMIT ?
		)`, userKey, userKey, keep)
	if err != nil {
		return 0, unavailable("prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneAll trims every user's history down to keep turns. Used by the
// scheduled retention sweep.
func (s *Store) PruneAll(ctx context.Context, keep int) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_key FROM turns`)
	if err != nil {
		return 0, unavailable("prune_all", err)
	}
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, unavailable("prune_all", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, unavailable("prune_all", err)
	}

	var total int64
	for _, k := range keys {
		n, err := s.Prune(ctx, k, keep)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Clear removes all turns for userKey and returns how many were deleted.
func (s *Store) Clear(ctx context.Context, userKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE user_key = ?`, userKey)
	if err != nil {
		return 0, unavailable("clear", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
