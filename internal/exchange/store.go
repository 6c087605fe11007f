package exchange

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Sentinel errors for the store taxonomy. Write failures are transient and
// retried by callers; read failures skip the poll cycle.
var (
	ErrStoreWrite = errors.New("exchange: store write failed")
	ErrStoreRead  = errors.New("exchange: store read failed")
)

// Record key prefixes. The ack prefix keeps the legacy ack_<port>_<msgId>
// base and appends the acking participant's port to disambiguate broadcast
// acks.
const (
	msgPrefix      = "msg_"
	ackPrefix      = "ack_"
	presencePrefix = "heartbeat_"
	vectorPrefix   = "rip_"
)

// cursorSlack is subtracted from the watermark on every listing so records
// written concurrently with the previous scan are not missed. Duplicate
// observations are absorbed by the engine's dedup.
const cursorSlack = 2 * time.Second

// Cursor marks the listing progress of ListMessagesSince. The zero value
// lists everything.
type Cursor struct {
	Watermark time.Time
}

// FileStore is the file-backed exchange store. All writes go to a temp file
// in the root directory and are renamed into place, so a reader never
// observes a partially written record.
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore opens the store rooted at dir, creating it if needed.
// Inability to access the root is the only fatal store condition.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("exchange root %s: %w", dir, err)
	}
	// Probe writability up front rather than failing on the first send.
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return nil, fmt.Errorf("exchange root %s not writable: %w", dir, err)
	}
	os.Remove(probe)
	return &FileStore{root: dir, logger: logger}, nil
}

// Root returns the store root path.
func (s *FileStore) Root() string { return s.root }

func messageKey(sender ParticipantID, msgID uint64) string {
	return fmt.Sprintf("%s%d_%012d.json", msgPrefix, sender.Port, msgID)
}

func ackKey(originalSender ParticipantID, msgID uint64, acker ParticipantID) string {
	return fmt.Sprintf("%s%d_%d_%d.json", ackPrefix, originalSender.Port, msgID, acker.Port)
}

func presenceKey(p ParticipantID) string {
	return fmt.Sprintf("%s%d_%s.json", presencePrefix, p.Port, p.Name)
}

func vectorKey(p ParticipantID) string {
	return fmt.Sprintf("%s%d.json", vectorPrefix, p.Port)
}

// writeAtomic writes data under key via a temp file and rename. Replacing an
// existing record is allowed: message retries rewrite the same key.
func (s *FileStore) writeAtomic(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.root, key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreWrite, key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreWrite, key, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreWrite, key, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreWrite, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreWrite, key, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.root, key)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreWrite, key, err)
	}
	return nil
}

// PutMessage writes (or rewrites, on retry) a message record.
func (s *FileStore) PutMessage(rec MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal message %s: %v", ErrStoreWrite, rec.Identity(), err)
	}
	return s.writeAtomic(messageKey(rec.Sender, rec.MsgID), data)
}

// PutAck writes an ack record. Re-acknowledging an already-acked message is
// a no-op; the bool reports whether a new record was written.
func (s *FileStore) PutAck(rec AckRecord) (bool, error) {
	if s.AckExists(rec.OriginalSender, rec.MsgID, rec.Acker) {
		return false, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("%w: marshal ack: %v", ErrStoreWrite, err)
	}
	if err := s.writeAtomic(ackKey(rec.OriginalSender, rec.MsgID, rec.Acker), data); err != nil {
		return false, err
	}
	return true, nil
}

// AckExists reports whether acker has acknowledged (sender, msgID).
func (s *FileStore) AckExists(sender ParticipantID, msgID uint64, acker ParticipantID) bool {
	_, err := os.Stat(filepath.Join(s.root, ackKey(sender, msgID, acker)))
	return err == nil
}

// PutPresence overwrites the participant's heartbeat record.
func (s *FileStore) PutPresence(rec PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal presence: %v", ErrStoreWrite, err)
	}
	return s.writeAtomic(presenceKey(rec.Participant), data)
}

// PutVector overwrites the participant's distance-vector advertisement.
func (s *FileStore) PutVector(rec VectorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal vector: %v", ErrStoreWrite, err)
	}
	return s.writeAtomic(vectorKey(rec.Origin), data)
}

// ListMessagesSince returns message records modified at or after the cursor
// watermark (minus slack), sorted by sender then MsgID, and the advanced
// cursor. Malformed records are logged and skipped.
func (s *FileStore) ListMessagesSince(cur Cursor) ([]MessageRecord, Cursor, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, cur, fmt.Errorf("%w: list: %v", ErrStoreRead, err)
	}

	floor := cur.Watermark.Add(-cursorSlack)
	next := cur
	var out []MessageRecord
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, msgPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(floor) {
			continue
		}
		if info.ModTime().After(next.Watermark) {
			next.Watermark = info.ModTime()
		}
		var rec MessageRecord
		if err := s.readRecord(name, &rec); err != nil {
			s.logger.Debug("Skipping malformed message record",
				zap.String("key", name), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Sender != out[j].Sender {
			return out[i].Sender.String() < out[j].Sender.String()
		}
		return out[i].MsgID < out[j].MsgID
	})
	return out, next, nil
}

// ListPresence returns every participant's latest heartbeat record.
func (s *FileStore) ListPresence() ([]PresenceRecord, error) {
	names, err := s.keysWithPrefix(presencePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]PresenceRecord, 0, len(names))
	for _, name := range names {
		var rec PresenceRecord
		if err := s.readRecord(name, &rec); err != nil {
			s.logger.Debug("Skipping malformed presence record",
				zap.String("key", name), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListVectors returns every participant's latest advertisement.
func (s *FileStore) ListVectors() ([]VectorRecord, error) {
	names, err := s.keysWithPrefix(vectorPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]VectorRecord, 0, len(names))
	for _, name := range names {
		var rec VectorRecord
		if err := s.readRecord(name, &rec); err != nil {
			s.logger.Debug("Skipping malformed vector record",
				zap.String("key", name), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Sweep removes message and ack records older than retention, and presence
// and vector records older than staleness. Returns the number removed.
func (s *FileStore) Sweep(retention, staleness time.Duration) int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Warn("Sweep skipped", zap.Error(err))
		return 0
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		name := e.Name()
		var maxAge time.Duration
		switch {
		case strings.HasPrefix(name, msgPrefix), strings.HasPrefix(name, ackPrefix):
			maxAge = retention
		case strings.HasPrefix(name, presencePrefix), strings.HasPrefix(name, vectorPrefix):
			maxAge = staleness
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(filepath.Join(s.root, name)); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Info("Swept expired records", zap.Int("count", removed))
	}
	return removed
}

// RemoveTransient deletes all presence and vector records. Used by the
// monitor at startup to drop leftovers from previous runs.
func (s *FileStore) RemoveTransient() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("%w: list: %v", ErrStoreRead, err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, presencePrefix) || strings.HasPrefix(name, vectorPrefix) {
			os.Remove(filepath.Join(s.root, name))
		}
	}
	return nil
}

func (s *FileStore) keysWithPrefix(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreRead, err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) readRecord(key string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.root, key))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreRead, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrStoreRead, key, err)
	}
	return nil
}
