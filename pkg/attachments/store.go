// Package attachments archives received media on disk with a JSON index,
// so a conversation's files outlive the textual history record.
package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketbotio/pocketbot/pkg/utils"
)

type Record struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	EventID   string    `json:"event_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	MIMEType  string    `json:"mime_type,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

type stateFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Store keeps archived files under root, partitioned by channel, chat
// and date, with the index in root/attachments.json.
type Store struct {
	mu        sync.RWMutex
	root      string
	statePath string
	records   map[string]Record
}

func NewStore(root string) *Store {
	_ = os.MkdirAll(root, 0755)
	s := &Store{
		root:      root,
		statePath: filepath.Join(root, "attachments.json"),
		records:   map[string]Record{},
	}
	_ = s.load()
	return s
}

func (s *Store) Root() string { return s.root }

// Save archives one received payload and records it in the index.
func (s *Store) Save(channel, chatID, userID, eventID, name, mimeType, kind string, data []byte) (Record, error) {
	now := time.Now().UTC()
	dayPath := filepath.Join(
		s.root,
		strings.ToLower(strings.TrimSpace(channel)),
		strings.TrimSpace(chatID),
		now.Format("2006-01-02"),
	)
	if err := os.MkdirAll(dayPath, 0755); err != nil {
		return Record{}, fmt.Errorf("create archive directory: %w", err)
	}

	baseName := utils.SanitizeFilename(name)
	if baseName == "" {
		baseName = "attachment"
	}
	destPath := filepath.Join(dayPath, fmt.Sprintf("%s_%s_%s", now.Format("150405"), uuid.NewString()[:8], baseName))

	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return Record{}, fmt.Errorf("write archived file: %w", err)
	}
	sum := sha256.Sum256(data)

	rec := Record{
		ID:        "att_" + uuid.NewString(),
		Channel:   channel,
		ChatID:    chatID,
		UserID:    userID,
		EventID:   eventID,
		Name:      baseName,
		Path:      destPath,
		MIMEType:  mimeType,
		Kind:      kind,
		SizeBytes: int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	if err := s.saveLocked(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) GetByID(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// ListByUser returns the archived records for one user, newest last.
func (s *Store) ListByUser(channel, userID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Record{}
	for _, r := range s.records {
		if r.Channel == channel && r.UserID == userID {
			out = append(out, r)
		}
	}
	sortByCreatedAt(out)
	return out
}

func sortByCreatedAt(records []Record) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].CreatedAt.Before(records[j-1].CreatedAt); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		s.records = map[string]Record{}
		return nil
	}
	out := make(map[string]Record, len(st.Records))
	for _, r := range st.Records {
		out[r.ID] = r
	}
	s.records = out
	return nil
}

func (s *Store) saveLocked() error {
	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}

	st := stateFile{Version: 1, Records: records}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attachment index: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write attachment index temp: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace attachment index: %w", err)
	}
	return nil
}
