package device

import (
	"fmt"
	"sync"

	"github.com/mixerkit/goxlr-updater/pkg/log"
)

// Handle is an open device with exclusive-access locking. At most one
// logical owner (a scan pass or an update session) operates the device at a
// time; Lock is held for the whole of an update session.
type Handle struct {
	sync.Mutex

	key ConnectionKey
	dev Device
}

// Key returns the connection key the handle was opened for.
func (h *Handle) Key() ConnectionKey {
	return h.key
}

// Device returns the underlying capability. The caller must hold the
// handle's lock.
func (h *Handle) Device() Device {
	return h.dev
}

// Registry caches open device handles keyed by connection identity so that
// re-scans reuse handles instead of opening duplicates.
type Registry struct {
	transport Transport

	mu      sync.Mutex
	handles map[ConnectionKey]*Handle
}

// NewRegistry creates a registry backed by the given transport.
func NewRegistry(transport Transport) *Registry {
	return &Registry{
		transport: transport,
		handles:   make(map[ConnectionKey]*Handle),
	}
}

// LookupOrOpen returns the cached handle for key, opening one on first use.
// It is idempotent: concurrent or repeated calls for the same key yield the
// same handle.
func (r *Registry) LookupOrOpen(key ConnectionKey) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		return h, nil
	}

	dev, err := r.transport.Open(key)
	if err != nil {
		return nil, fmt.Errorf("open device at %s: %w", key, err)
	}

	h := &Handle{key: key, dev: dev}
	r.handles[key] = h
	return h, nil
}

// Lookup returns the cached handle for key, if any.
func (r *Registry) Lookup(key ConnectionKey) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key]
	return h, ok
}

// Forget closes and drops the handle for key. Used when a handle has become
// unusable (the device disappeared mid-session).
func (r *Registry) Forget(key ConnectionKey) {
	r.mu.Lock()
	h, ok := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := h.dev.Close(); err != nil {
		log.Warn("Failed to close device handle", "key", key.String(), "error", err)
	}
}

// Len reports the number of cached handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
