// Package state provides the Pebble-backed local participant state: the
// per-sender message-id counter and the delivered-set, both of which must
// survive restarts so message ids are never reused and redelivered records
// stay at-most-once.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

const (
	msgIDKey        = "msgid"
	deliveredPrefix = "delivered/"
)

// Store persists participant-local protocol state.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// NewStore creates a Store instance (not yet opened).
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Init opens the Pebble database.
func (s *Store) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{s.logger},
	}
	db, err := pebble.Open(s.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", s.path, err)
	}
	s.db = db
	s.logger.Info("Participant state opened", zap.String("path", s.path))
	return nil
}

// Close flushes and closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// NextMessageID allocates the next monotonic message id. Ids are never
// reused by the same sender, including across restarts.
func (s *Store) NextMessageID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last uint64
	data, closer, err := s.db.Get([]byte(msgIDKey))
	if err == nil {
		last = binary.BigEndian.Uint64(data)
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("pebble get msgid: %w", err)
	}

	next := last + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.db.Set([]byte(msgIDKey), buf, pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebble set msgid: %w", err)
	}
	return next, nil
}

// MarkDelivered records that (sender, msgID) was handed to the application.
func (s *Store) MarkDelivered(sender string, msgID uint64) error {
	key := deliveredKey(sender, msgID)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().Unix()))
	if err := s.db.Set(key, buf, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set delivered: %w", err)
	}
	return nil
}

// WasDelivered reports whether (sender, msgID) was already delivered.
func (s *Store) WasDelivered(sender string, msgID uint64) (bool, error) {
	_, closer, err := s.db.Get(deliveredKey(sender, msgID))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get delivered: %w", err)
	}
	closer.Close()
	return true, nil
}

// CleanDelivered removes delivered-set entries older than maxAge. Returns
// the count of removed entries.
func (s *Store) CleanDelivered(maxAge time.Duration) (int, error) {
	cutoff := uint64(time.Now().Add(-maxAge).Unix())
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(deliveredPrefix),
		UpperBound: []byte(deliveredPrefix + "\xff"),
	})
	if err != nil {
		return 0, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var expired [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) != 8 {
			continue
		}
		if binary.BigEndian.Uint64(iter.Value()) < cutoff {
			k := make([]byte, len(iter.Key()))
			copy(k, iter.Key())
			expired = append(expired, k)
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, k := range expired {
		if err := batch.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}

	s.logger.Info("Cleaned delivered-set entries", zap.Int("count", len(expired)))
	return len(expired), nil
}

func deliveredKey(sender string, msgID uint64) []byte {
	var b strings.Builder
	b.WriteString(deliveredPrefix)
	b.WriteString(sender)
	b.WriteByte('/')
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, msgID)
	b.Write(buf)
	return []byte(b.String())
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
