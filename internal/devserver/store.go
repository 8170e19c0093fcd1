package devserver

import (
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"chat-sync-demo/client/internal/models"

	"github.com/cockroachdb/pebble"
)

// Store keeps room history. Append assigns the server id.
type Store interface {
	Append(msg models.Message) (models.Message, error)
	// History returns up to limit messages, skipping the offset newest ones,
	// oldest first.
	History(roomID string, offset, limit int) ([]models.Message, error)
	Close() error
}

// MemoryStore is a Store that lives for the process only
type MemoryStore struct {
	mu    sync.RWMutex
	seq   int64
	rooms map[string][]models.Message
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]models.Message)}
}

func (s *MemoryStore) Append(msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg.ID = s.seq
	s.rooms[msg.RoomID] = append(s.rooms[msg.RoomID], msg)
	return msg, nil
}

func (s *MemoryStore) History(roomID string, offset, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[roomID]
	end := len(msgs) - offset
	if end <= 0 {
		return []models.Message{}, nil
	}
	start := max(end-limit, 0)
	out := make([]models.Message, end-start)
	copy(out, msgs[start:end])
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var seqKey = []byte("seq")

// PebbleStore persists history in a PebbleDB directory. Message keys are
// msg/<escaped room>/<8-byte big-endian id>, so a room scans in id order.
type PebbleStore struct {
	db  *pebble.DB
	mu  sync.Mutex
	seq int64
}

// OpenPebbleStore opens or creates the database at dir
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}

	s := &PebbleStore{db: db}
	v, closer, err := db.Get(seqKey)
	switch {
	case err == nil:
		if len(v) == 8 {
			s.seq = int64(binary.BigEndian.Uint64(v))
		}
		closer.Close()
	case stderrors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) Append(msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = s.seq + 1
	val, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, err
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, uint64(msg.ID))

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(messageKey(msg.RoomID, msg.ID), val, nil); err != nil {
		return models.Message{}, err
	}
	if err := b.Set(seqKey, seq, nil); err != nil {
		return models.Message{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return models.Message{}, err
	}
	s.seq = msg.ID
	return msg, nil
}

func (s *PebbleStore) History(roomID string, offset, limit int) ([]models.Message, error) {
	prefix := roomPrefix(roomID)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]models.Message, 0, limit)
	skipped := 0
	for valid := it.Last(); valid && len(out) < limit; valid = it.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		var m models.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func roomPrefix(roomID string) []byte {
	return []byte("msg/" + url.PathEscape(roomID) + "/")
}

func messageKey(roomID string, id int64) []byte {
	key := roomPrefix(roomID)
	return binary.BigEndian.AppendUint64(key, uint64(id))
}

// prefixEnd is the smallest key greater than every key starting with prefix.
// prefix always ends in '/', so bumping the last byte is enough.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}
