package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// Standard timing attributes. Every timing type declares both.
const (
	AttrPreSamples  = "pre-samples"
	AttrPostSamples = "post-samples"
)

// Attr is one named 32-bit property.
type Attr struct {
	Name     string `json:"name"`
	Value    uint32 `json:"value"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// AttrSet is an ordered, concurrency-safe attribute list.
type AttrSet struct {
	mu    sync.RWMutex
	attrs []Attr
	hook  func(name string, value uint32)
}

func NewAttrSet(attrs ...Attr) *AttrSet {
	s := &AttrSet{attrs: make([]Attr, len(attrs))}
	copy(s.attrs, attrs)
	return s
}

func (s *AttrSet) Get(name string) (uint32, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return 0, false
}

// GetOr returns the value of name or def when it is not declared.
func (s *AttrSet) GetOr(name string, def uint32) uint32 {
	if v, ok := s.Get(name); ok {
		return v
	}
	return def
}

func (s *AttrSet) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Set changes a declared attribute and runs the change hook.
func (s *AttrSet) Set(name string, value uint32) error {
	s.mu.Lock()
	idx := -1
	for i := range s.attrs {
		if s.attrs[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("attribute %q: %w", name, types.ErrNotFound)
	}
	if s.attrs[idx].ReadOnly {
		s.mu.Unlock()
		return fmt.Errorf("attribute %q is read-only: %w", name, types.ErrProtocolViolation)
	}
	s.attrs[idx].Value = value
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(name, value)
	}
	return nil
}

// Merge copies values of src into attributes s already declares and appends
// the ones it does not.
func (s *AttrSet) Merge(src *AttrSet) {
	if src == nil {
		return
	}
	incoming := src.List()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range incoming {
		found := false
		for i := range s.attrs {
			if s.attrs[i].Name == in.Name {
				s.attrs[i].Value = in.Value
				found = true
				break
			}
		}
		if !found {
			s.attrs = append(s.attrs, in)
		}
	}
}

func (s *AttrSet) List() []Attr {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attr, len(s.attrs))
	copy(out, s.attrs)
	return out
}

func (s *AttrSet) Map() map[string]uint32 {
	list := s.List()
	m := make(map[string]uint32, len(list))
	for _, a := range list {
		m[a.Name] = a.Value
	}
	return m
}

// Names returns the declared names sorted.
func (s *AttrSet) Names() []string {
	list := s.List()
	names := make([]string, 0, len(list))
	for _, a := range list {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}

func (s *AttrSet) onChange(fn func(name string, value uint32)) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}
