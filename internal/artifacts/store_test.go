package artifacts

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestPut_ContentAddressed(t *testing.T) {
	s := NewStore(StoreConfig{MaxEntries: 10, MaxBytes: 1 << 20})

	data := []byte(`{"page":"one"}`)
	id1, err := s.Put(data, KindJSON, 0)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Put(data, KindJSON, 0)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("same bytes produced different ids: %s vs %s", id1, id2)
	}
	if s.Len() != 1 {
		t.Errorf("dedup failed: %d entries", s.Len())
	}

	got, ok := s.Get(id1)
	if !ok {
		t.Fatal("get after put returned not found")
	}
	if !bytes.Equal(got.Bytes, data) {
		t.Error("stored bytes differ from original")
	}
	if got.Kind != KindJSON {
		t.Errorf("kind = %s, want json", got.Kind)
	}
}

func TestPut_RejectsEmptyAndOversized(t *testing.T) {
	s := NewStore(StoreConfig{MaxEntries: 10, MaxBytes: 100})

	if _, err := s.Put(nil, KindText, 0); err == nil {
		t.Error("empty payload accepted")
	}
	if _, err := s.Put(make([]byte, 101), KindBinary, 0); err == nil {
		t.Error("payload above MaxBytes accepted")
	}
}

func TestEviction_LRU(t *testing.T) {
	s := NewStore(StoreConfig{MaxEntries: 3, MaxBytes: 1 << 20})

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := s.Put([]byte(fmt.Sprintf("payload-%d", i)), KindText, 0)
		ids = append(ids, id)
	}

	// Touch the oldest so it survives the next eviction.
	s.Get(ids[0])

	s.Put([]byte("payload-3"), KindText, 0)

	if _, ok := s.Get(ids[0]); !ok {
		t.Error("recently touched entry was evicted")
	}
	if _, ok := s.Get(ids[1]); ok {
		t.Error("least recently used entry survived eviction")
	}
}

func TestEviction_TTLBeforeLRU(t *testing.T) {
	s := NewStore(StoreConfig{MaxEntries: 10, MaxBytes: 1 << 20})

	expiredID, _ := s.Put([]byte("short-lived"), KindText, 1)
	time.Sleep(5 * time.Millisecond)

	if _, ok := s.Get(expiredID); ok {
		t.Error("expired artifact still retrievable")
	}
	if s.Len() != 0 {
		t.Errorf("expired entry not removed, len = %d", s.Len())
	}
}

func TestEviction_ByteCap(t *testing.T) {
	s := NewStore(StoreConfig{MaxEntries: 100, MaxBytes: 64})

	first, _ := s.Put(make([]byte, 40), KindBinary, 0)
	second, _ := s.Put(bytes.Repeat([]byte{1}, 40), KindBinary, 0)

	if _, ok := s.Get(first); ok {
		t.Error("byte cap not enforced: first entry survived")
	}
	if _, ok := s.Get(second); !ok {
		t.Error("newest entry evicted instead of oldest")
	}
}
