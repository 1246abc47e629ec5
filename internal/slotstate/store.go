package slotstate

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
)

// Change describes one completed mutation. Slots lists the keys that were
// written, in sorted order; it may be empty when every entry was rejected.
type Change struct {
	Slots []string
}

type Observer func(Change)

// Store owns the authoritative slot→status mapping for the process. Absent
// keys read as Empty. Observers are called after the lock is released, once
// per Set and once per SetMany.
type Store struct {
	layout Layout

	mu     sync.RWMutex
	values map[string]Status

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int
}

func NewStore(layout Layout) *Store {
	return &Store{
		layout:    layout,
		values:    map[string]Status{},
		observers: map[int]Observer{},
	}
}

func (s *Store) Layout() Layout {
	return s.layout
}

func (s *Store) Get(slot string) Status {
	status, _ := s.Lookup(slot)
	return status
}

// Lookup distinguishes a known Empty from an unknown slot.
func (s *Store) Lookup(slot string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.values[slot]
	return status, ok
}

// All returns a copy of every known entry.
func (s *Store) All() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.values))
	for slot, status := range s.values {
		out[slot] = status
	}
	return out
}

// Subset returns the known entries among slots. Unknown slots are omitted,
// not reported as Empty.
func (s *Store) Subset(slots []string) map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(slots))
	for _, slot := range slots {
		if status, ok := s.values[slot]; ok {
			out[slot] = status
		}
	}
	return out
}

func (s *Store) Set(slot string, status Status) error {
	if err := s.validate(slot, status); err != nil {
		return err
	}
	s.mu.Lock()
	s.values[slot] = status
	s.mu.Unlock()
	s.notify(Change{Slots: []string{slot}})
	return nil
}

// SetMany applies each entry with the rules of Set. It is not atomic:
// rejected entries are skipped and reported together, accepted ones stay
// applied. Exactly one notification fires after all entries are processed.
func (s *Store) SetMany(entries map[string]Status) error {
	slots := make([]string, 0, len(entries))
	for slot := range entries {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	var errs []error
	applied := make([]string, 0, len(slots))
	s.mu.Lock()
	for _, slot := range slots {
		status := entries[slot]
		if err := s.validate(slot, status); err != nil {
			errs = append(errs, err)
			continue
		}
		s.values[slot] = status
		applied = append(applied, slot)
	}
	s.mu.Unlock()
	s.notify(Change{Slots: applied})
	return errors.Join(errs...)
}

// Seed fills every provisioned slot with Empty or Occupied at random, the
// bootstrapping used before the first sync.
func (s *Store) Seed(rng *rand.Rand) {
	entries := make(map[string]Status, s.layout.Len())
	for _, slot := range s.layout.Slots() {
		entries[slot] = Status(rng.Intn(2))
	}
	_ = s.SetMany(entries)
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn Observer) func() {
	if fn == nil {
		return func() {}
	}
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) validate(slot string, status Status) error {
	if !s.layout.Contains(slot) {
		return &SlotError{Slot: slot, Err: ErrUnknownSlot}
	}
	if !status.Valid() {
		return &SlotError{Slot: slot, Err: ErrInvalidStatus}
	}
	return nil
}

func (s *Store) notify(change Change) {
	s.obsMu.Lock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, s.observers[id])
	}
	s.obsMu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}
