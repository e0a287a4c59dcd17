package node

import (
	"sort"
	"sync"
)

// InformationHolder owns the metadata of one node. Reads and writes are
// whole-record operations under the holder's lock, so a reader never sees
// a display name from one update and a workflow flag from another.
type InformationHolder struct {
	id   Identifier
	mu   sync.RWMutex
	info Information
}

// NewInformationHolder creates an empty holder for id.
func NewInformationHolder(id Identifier) *InformationHolder {
	return &InformationHolder{id: id}
}

func (h *InformationHolder) ID() Identifier {
	return h.id
}

// Get returns a consistent snapshot.
func (h *InformationHolder) Get() Information {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info
}

// Set replaces both fields at once. Last write wins.
func (h *InformationHolder) Set(info Information) {
	h.mu.Lock()
	h.info = info
	h.mu.Unlock()
}

// InformationRegistry maps node ids to their holders. Holders are created on
// first access and live as long as the registry; the map only grows, which is
// fine for cluster-sized node counts.
//
// One registry is owned by each node runtime and handed to the code that
// receives announcements. There is no package-level instance.
type InformationRegistry struct {
	mu        sync.Mutex
	holders   map[Identifier]*InformationHolder
	newHolder func(Identifier) *InformationHolder
}

// RegistryOption configures an InformationRegistry.
type RegistryOption func(*InformationRegistry)

// WithHolderFactory replaces the holder constructor.
func WithHolderFactory(f func(Identifier) *InformationHolder) RegistryOption {
	return func(r *InformationRegistry) {
		r.newHolder = f
	}
}

// NewInformationRegistry creates an empty registry.
func NewInformationRegistry(opts ...RegistryOption) *InformationRegistry {
	r := &InformationRegistry{
		holders:   make(map[Identifier]*InformationHolder),
		newHolder: NewInformationHolder,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the holder for id, creating it exactly once.
func (r *InformationRegistry) GetOrCreate(id Identifier) *InformationHolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holders[id]
	if !ok {
		h = r.newHolder(id)
		r.holders[id] = h
	}
	return h
}

// Lookup returns the holder for id without creating one.
func (r *InformationRegistry) Lookup(id Identifier) (*InformationHolder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holders[id]
	return h, ok
}

// UpdateFrom applies a remote announcement.
func (r *InformationRegistry) UpdateFrom(a Announcement) {
	r.GetOrCreate(a.ID).Set(a.Info)
}

// Snapshot lists the known nodes sorted by id.
func (r *InformationRegistry) Snapshot() []Announcement {
	r.mu.Lock()
	holders := make([]*InformationHolder, 0, len(r.holders))
	for _, h := range r.holders {
		holders = append(holders, h)
	}
	r.mu.Unlock()

	out := make([]Announcement, 0, len(holders))
	for _, h := range holders {
		out = append(out, Announcement{ID: h.ID(), Info: h.Get()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
