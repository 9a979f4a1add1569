package keywords

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g960059/tronclient/internal/reply"
)

// Keyword is the latest observed state of one actor.keyword pair.
type Keyword struct {
	Actor  string
	Name   string
	Values []reply.Value
	SeenAt time.Time
	// Seq is the store-wide arrival sequence of the reply that last set this
	// keyword. It only grows.
	Seq   uint64
	Stale bool
}

func (k Keyword) Key() string {
	return Key(k.Actor, k.Name)
}

func Key(actor, name string) string {
	return strings.TrimSpace(actor) + "." + strings.TrimSpace(name)
}

// SplitKey splits "actor.keyword" at the first dot.
func SplitKey(key string) (actor string, name string, ok bool) {
	idx := strings.IndexByte(key, '.')
	if idx <= 0 || idx >= len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// Store holds the latest value per actor.keyword. Writes come from a single
// processing goroutine; reads may come from anywhere.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Keyword
	seq     uint64
}

func NewStore() *Store {
	return &Store{entries: map[string]*Keyword{}}
}

// Apply folds every keyword of r into the store and returns the updated
// entries in reply order. A keyword repeated within one reply keeps its last
// occurrence.
func (s *Store) Apply(r reply.Reply, at time.Time) []Keyword {
	if len(r.Entries) == 0 {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	seq := s.seq
	out := make([]Keyword, 0, len(r.Entries))
	index := make(map[string]int, len(r.Entries))
	for _, e := range r.Entries {
		key := Key(r.Sender, e.Name)
		kw, ok := s.entries[key]
		if !ok {
			kw = &Keyword{Actor: r.Sender, Name: e.Name}
			s.entries[key] = kw
		}
		if at.Before(kw.SeenAt) {
			// wall clock stepped back; keep SeenAt monotonic per keyword
			at = kw.SeenAt
		}
		kw.Values = cloneValues(e.Values)
		kw.SeenAt = at
		kw.Seq = seq
		kw.Stale = false
		if i, dup := index[key]; dup {
			out[i] = cloneKeyword(kw)
			continue
		}
		index[key] = len(out)
		out = append(out, cloneKeyword(kw))
	}
	return out
}

func (s *Store) Get(key string) (Keyword, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kw, ok := s.entries[key]
	if !ok {
		return Keyword{}, false
	}
	return cloneKeyword(kw), true
}

// GetMany returns the known keywords among keys; unknown keys are omitted.
func (s *Store) GetMany(keys []string) map[string]Keyword {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Keyword, len(keys))
	for _, key := range keys {
		if kw, ok := s.entries[key]; ok {
			out[key] = cloneKeyword(kw)
		}
	}
	return out
}

// Snapshot returns every keyword sorted by key.
func (s *Store) Snapshot() []Keyword {
	s.mu.RLock()
	out := make([]Keyword, 0, len(s.entries))
	for _, kw := range s.entries {
		out = append(out, cloneKeyword(kw))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Actor returns the keywords of one actor sorted by name.
func (s *Store) Actor(actor string) []Keyword {
	prefix := strings.TrimSpace(actor) + "."
	s.mu.RLock()
	out := make([]Keyword, 0)
	for key, kw := range s.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, cloneKeyword(kw))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// MarkStale flags every entry as stale without dropping values.
func (s *Store) MarkStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, kw := range s.entries {
		if !kw.Stale {
			kw.Stale = true
			n++
		}
	}
	return n
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]*Keyword{}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneKeyword(kw *Keyword) Keyword {
	out := *kw
	out.Values = cloneValues(kw.Values)
	return out
}

func cloneValues(in []reply.Value) []reply.Value {
	out := make([]reply.Value, len(in))
	copy(out, in)
	return out
}
