package fanout

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/g960059/tronclient/internal/command"
	"github.com/g960059/tronclient/internal/keywords"
	"github.com/g960059/tronclient/internal/model"
)

type EventKind int

const (
	EventStatus EventKind = iota + 1
	EventKeywords
	EventCommand
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventKeywords:
		return "keywords"
	case EventCommand:
		return "command"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a tagged variant; only the field matching Kind is set.
type Event struct {
	Kind     EventKind
	Status   model.StatusChange
	Keywords []keywords.Keyword
	Command  command.Transition
}

// Filter selects the events a subscriber receives. Keys accept exact
// "actor.keyword" names and "actor.*" wildcards; empty Keys matches every
// keyword.
type Filter struct {
	Kinds []EventKind
	Keys  []string
}

type subscriber struct {
	id     uint64
	kinds  map[EventKind]bool
	keys   map[string]struct{}
	actors map[string]struct{}
	anyKey bool
	fn     func(Event)
	mu     sync.Mutex
	active bool
}

func (s *subscriber) matches(key string) bool {
	if s.anyKey {
		return true
	}
	if _, ok := s.keys[key]; ok {
		return true
	}
	if actor, _, ok := keywords.SplitKey(key); ok {
		_, ok := s.actors[actor]
		return ok
	}
	return false
}

// Subscription is returned by the Subscribe methods.
type Subscription struct {
	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Unsubscribe detaches the subscriber. It is idempotent, and no delivery
// starts after it returns.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.sub.mu.Lock()
		s.sub.active = false
		s.sub.mu.Unlock()
		s.bus.mu.Lock()
		delete(s.bus.subs, s.sub.id)
		s.bus.mu.Unlock()
	})
}

// Bus fans events out to subscribers. Keyword updates are staged and
// coalesced until Flush, which delivers at most one event per subscriber.
// Delivery runs synchronously on the goroutine calling Flush or Publish.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64

	pendingMu    sync.Mutex
	pending      map[string]keywords.Keyword
	pendingOrder []string
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		logger:  logger,
		subs:    map[uint64]*subscriber{},
		pending: map[string]keywords.Keyword{},
	}
}

func (b *Bus) Subscribe(f Filter, fn func(Event)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}
	sub := &subscriber{
		kinds:  map[EventKind]bool{},
		keys:   map[string]struct{}{},
		actors: map[string]struct{}{},
		fn:     fn,
		active: true,
	}
	kinds := f.Kinds
	if len(kinds) == 0 {
		kinds = []EventKind{EventStatus, EventKeywords, EventCommand}
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	for _, raw := range f.Keys {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		if actor, ok := strings.CutSuffix(key, ".*"); ok {
			sub.actors[actor] = struct{}{}
			continue
		}
		sub.keys[key] = struct{}{}
	}
	sub.anyKey = len(sub.keys) == 0 && len(sub.actors) == 0

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub}
}

func (b *Bus) SubscribeKeywords(keys []string, fn func([]keywords.Keyword)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}
	return b.Subscribe(Filter{Kinds: []EventKind{EventKeywords}, Keys: keys}, func(ev Event) {
		fn(ev.Keywords)
	})
}

func (b *Bus) SubscribeStatus(fn func(model.StatusChange)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}
	return b.Subscribe(Filter{Kinds: []EventKind{EventStatus}}, func(ev Event) {
		fn(ev.Status)
	})
}

func (b *Bus) SubscribeCommands(fn func(command.Transition)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}
	return b.Subscribe(Filter{Kinds: []EventKind{EventCommand}}, func(ev Event) {
		fn(ev.Command)
	})
}

// Stage records keyword updates for the next Flush. A key staged twice keeps
// its latest value and its first position.
func (b *Bus) Stage(kws ...keywords.Keyword) {
	if len(kws) == 0 {
		return
	}
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for _, kw := range kws {
		key := kw.Key()
		if _, ok := b.pending[key]; !ok {
			b.pendingOrder = append(b.pendingOrder, key)
		}
		b.pending[key] = kw
	}
}

// Flush delivers the staged batch and returns the number of distinct keys in it.
func (b *Bus) Flush() int {
	b.pendingMu.Lock()
	if len(b.pendingOrder) == 0 {
		b.pendingMu.Unlock()
		return 0
	}
	batch := make([]keywords.Keyword, 0, len(b.pendingOrder))
	for _, key := range b.pendingOrder {
		batch = append(batch, b.pending[key])
	}
	b.pending = map[string]keywords.Keyword{}
	b.pendingOrder = nil
	b.pendingMu.Unlock()

	for _, sub := range b.snapshot(EventKeywords) {
		selected := make([]keywords.Keyword, 0, len(batch))
		for _, kw := range batch {
			if sub.matches(kw.Key()) {
				selected = append(selected, kw)
			}
		}
		if len(selected) == 0 {
			continue
		}
		b.deliver(sub, Event{Kind: EventKeywords, Keywords: selected})
	}
	return len(batch)
}

func (b *Bus) PublishStatus(change model.StatusChange) {
	for _, sub := range b.snapshot(EventStatus) {
		b.deliver(sub, Event{Kind: EventStatus, Status: change})
	}
}

func (b *Bus) PublishCommand(tr command.Transition) {
	for _, sub := range b.snapshot(EventCommand) {
		b.deliver(sub, Event{Kind: EventCommand, Command: tr})
	}
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) snapshot(kind EventKind) []*subscriber {
	b.mu.RLock()
	out := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.kinds[kind] {
			out = append(out, sub)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	sub.mu.Lock()
	active := sub.active
	sub.mu.Unlock()
	if !active {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "subscriber", sub.id, "event", ev.Kind.String(), "panic", fmt.Sprint(r))
		}
	}()
	sub.fn(ev)
}
