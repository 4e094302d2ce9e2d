package artifacts

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Kind classifies artifact payloads.
type Kind string

const (
	KindJSON   Kind = "json"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

// Artifact is a content-addressed blob attached to runs by id.
type Artifact struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Bytes     []byte    `json:"-"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	TTLMs     int64     `json:"ttlMs"`
}

func (a *Artifact) expired(now time.Time) bool {
	if a.TTLMs <= 0 {
		return false
	}
	return now.Sub(a.CreatedAt) > time.Duration(a.TTLMs)*time.Millisecond
}

// StoreConfig caps the in-memory artifact store.
type StoreConfig struct {
	MaxEntries   int
	MaxBytes     int64
	DefaultTTLMs int64
}

// Store is a content-addressed in-memory blob store. Mutations are
// serialized; eviction runs TTL expiry first, then LRU until both caps hold.
type Store struct {
	mu      sync.Mutex
	entries map[string]*list.Element // id → lru element holding *Artifact
	lru     *list.List               // front = most recently used
	bytes   int64
	cfg     StoreConfig
}

// NewStore creates an artifact store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 256
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	return &Store{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		cfg:     cfg,
	}
}

// hashID derives the stable content address for a payload.
func hashID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Put stores a blob and returns its content address. Re-putting identical
// bytes is idempotent and refreshes the entry's LRU position.
func (s *Store) Put(data []byte, kind Kind, ttlMs int64) (string, error) {
	if len(data) == 0 {
		return "", protocol.NewError(protocol.CodeInvalidParameter, "artifact bytes must not be empty")
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return "", protocol.NewError(protocol.CodeInvalidParameter, "artifact of %d bytes exceeds store cap", len(data))
	}
	if ttlMs <= 0 {
		ttlMs = s.cfg.DefaultTTLMs
	}
	id := hashID(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[id]; ok {
		s.lru.MoveToFront(el)
		return id, nil
	}

	art := &Artifact{
		ID:        id,
		Kind:      kind,
		Bytes:     data,
		Size:      len(data),
		CreatedAt: time.Now().UTC(),
		TTLMs:     ttlMs,
	}
	s.entries[id] = s.lru.PushFront(art)
	s.bytes += int64(len(data))
	s.evictLocked()
	return id, nil
}

// Get returns an artifact and touches its LRU position. Expired entries are
// treated as absent.
func (s *Store) Get(id string) (*Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	art := el.Value.(*Artifact)
	if art.expired(time.Now()) {
		s.removeLocked(el)
		return nil, false
	}
	s.lru.MoveToFront(el)
	return art, true
}

// Len returns the live entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLocked enforces both caps: TTL expiry first, then LRU.
func (s *Store) evictLocked() {
	now := time.Now()
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*Artifact).expired(now) {
			s.removeLocked(el)
		}
		el = prev
	}
	for (len(s.entries) > s.cfg.MaxEntries || s.bytes > s.cfg.MaxBytes) && s.lru.Len() > 0 {
		victim := s.lru.Back()
		slog.Debug("artifact.evicted", "id", victim.Value.(*Artifact).ID)
		s.removeLocked(victim)
	}
}

func (s *Store) removeLocked(el *list.Element) {
	art := el.Value.(*Artifact)
	s.lru.Remove(el)
	delete(s.entries, art.ID)
	s.bytes -= int64(art.Size)
}
