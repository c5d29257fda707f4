// Package mem is an in-process room registry. Issued keys do not survive a
// restart.
package mem

import (
	"fmt"
	"sync"
	"time"

	"github.com/veildrop/veildrop/store"
)

// Config represents the InMemory store config structure.
type Config struct {
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// InMemory represents the in-memory implementation of the Store interface.
type InMemory struct {
	cfg   *Config
	rooms map[string]*room
	data  map[string][]byte
	mu    sync.Mutex
	stop  chan struct{}
}

type room struct {
	store.Room
	Expire time.Time
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	store := &InMemory{
		cfg:   &cfg,
		rooms: map[string]*room{},
		data:  map[string][]byte{},
		stop:  make(chan struct{}),
	}
	go store.watch()
	return store, nil
}

// Close stops the cleanup goroutine.
func (m *InMemory) Close() error {
	close(m.stop)
	return nil
}

// watch the store to clean it up.
func (m *InMemory) watch() {
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

// cleanup the store to removes expired items.
func (m *InMemory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, r := range m.rooms {
		if r.expired(now) {
			delete(m.rooms, id)
		}
	}
}

func (r *room) expired(now time.Time) bool {
	return !r.Expire.IsZero() && r.Expire.Before(now)
}

// get returns a live room. The caller must hold the lock.
func (m *InMemory) get(id string) (*room, bool) {
	r, ok := m.rooms[id]
	if !ok || r.expired(time.Now()) {
		return nil, false
	}
	return r, true
}

// AddRoom adds a room to the store.
func (m *InMemory) AddRoom(r store.Room, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm := &room{Room: r}
	if ttl > 0 {
		rm.Expire = r.CreatedAt.Add(ttl)
	}
	m.rooms[r.ID] = rm
	return nil
}

// ExtendRoomTTL pushes a room's expiry to ttl from now.
func (m *InMemory) ExtendRoomTTL(id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.get(id)
	if !ok {
		return store.ErrRoomNotFound
	}
	if ttl > 0 {
		r.Expire = time.Now().Add(ttl)
	}
	return nil
}

// GetRoom gets a room from the store.
func (m *InMemory) GetRoom(id string) (store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.get(id)
	if !ok {
		return store.Room{}, store.ErrRoomNotFound
	}
	return r.Room, nil
}

// RoomExists checks if a room exists in the store.
func (m *InMemory) RoomExists(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.get(id)
	return ok, nil
}

// RemoveRoom deletes a room from the store.
func (m *InMemory) RemoveRoom(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms, id)
	return nil
}

// SetPolicy updates a room's capacity policy.
func (m *InMemory) SetPolicy(id string, p store.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.get(id)
	if !ok {
		return store.ErrRoomNotFound
	}
	r.Policy = p
	return nil
}

// Get value from a key.
func (m *InMemory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, store.ErrNotFound)
	}
	return d, nil
}

// Set a value.
func (m *InMemory) Set(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = make([]byte, len(data))
	copy(m.data[key], data)
	return nil
}
