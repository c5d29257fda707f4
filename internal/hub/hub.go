package hub

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/veildrop/veildrop/internal/quota"
	"github.com/veildrop/veildrop/store"
)

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`
	Name    string `koanf:"name"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	RoomKeyBytes    int           `koanf:"room_key_bytes"`
	RoomAge         time.Duration `koanf:"room_age"`
	MaxReceivers    int           `koanf:"max_receivers"`
	MaxChunkSize    int           `koanf:"max_chunk_size"`
	MaxMessageQueue int           `koanf:"max_message_queue"`
	WSTimeout       time.Duration `koanf:"websocket_timeout"`
}

var (
	// ErrRoomNotFound indicates an unknown or expired room key.
	ErrRoomNotFound = errors.New("room is invalid or has expired")

	// ErrRoomFull indicates that the room's receiver capacity is exhausted.
	ErrRoomFull = errors.New("room is full")

	// ErrRole indicates an operation the peer's role doesn't permit.
	ErrRole = errors.New("only sender can initiate file transfer")
)

// Occupancy is a room's participant count and capacity.
type Occupancy struct {
	Senders      int
	Receivers    int
	MaxReceivers int
}

// Ready reports whether the room has at least one sender and one receiver.
func (o Occupancy) Ready() bool {
	return o.Senders > 0 && o.Receivers > 0
}

// Hub acts as the controller and container for all active rooms. It is the
// session store: it maps room keys to live rooms and admits peers into them.
type Hub struct {
	Store  store.Store
	rooms  map[string]*Room
	budget *quota.Budget

	cfg *Config
	mut sync.RWMutex
	log *logrus.Logger
}

// NewHub returns a new instance of Hub.
func NewHub(cfg *Config, store store.Store, budget *quota.Budget, l *logrus.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]*Room),

		cfg:    cfg,
		Store:  store,
		budget: budget,
		log:    l,
	}
}

// AddRoom issues a new room key, registers it in the store with the given
// policy and returns the key. The room itself is activated on first connect.
func (h *Hub) AddRoom(p store.Policy) (string, error) {
	if p.MaxReceivers < 0 {
		return "", errors.New("max_receivers can't be negative")
	}

	id, err := h.generateRoomKey(h.cfg.RoomKeyBytes, 5)
	if err != nil {
		return "", err
	}

	if err := h.Store.AddRoom(store.Room{
		ID:        id,
		Policy:    p,
		CreatedAt: time.Now()}, h.cfg.RoomAge); err != nil {
		h.log.WithError(err).Error("error creating room in the store")
		return "", errors.New("error creating room")
	}

	h.log.WithField("room", keyPrefix(id)).Info("issued room key")
	return id, nil
}

// RoomExists reports whether a room key was issued and hasn't expired.
func (h *Hub) RoomExists(id string) (bool, error) {
	h.mut.RLock()
	_, ok := h.rooms[id]
	h.mut.RUnlock()
	if ok {
		return true, nil
	}
	return h.Store.RoomExists(id)
}

// RegisterPolicy upserts a room's capacity policy. It applies to the room's
// subsequent admissions whether or not peers have already joined.
func (h *Hub) RegisterPolicy(id string, p store.Policy) error {
	if p.MaxReceivers < 0 {
		return errors.New("max_receivers can't be negative")
	}
	if err := h.Store.SetPolicy(id, p); err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return ErrRoomNotFound
		}
		return err
	}

	if r := h.GetRoom(id); r != nil {
		r.setPolicy(p)
	}
	return nil
}

// Admit activates the room for key if needed and joins a new peer for the
// given WS connection into it. On rejection nothing about the room changes
// and the caller still owns ws.
func (h *Hub) Admit(id string, role Role, ws *websocket.Conn, pubKey []byte) (*Peer, Occupancy, error) {
	// A room that empties and shuts down between lookup and join is retried
	// once so that the lookup reflects the store.
	for i := 0; i < 2; i++ {
		room, err := h.ActivateRoom(id)
		if err != nil {
			return nil, Occupancy{}, err
		}

		p := newPeer(role, ws, pubKey, room)
		res, ok := room.join(p)
		if !ok {
			continue
		}
		if res.err != nil {
			return nil, res.occ, res.err
		}

		if err := h.Store.ExtendRoomTTL(id, h.cfg.RoomAge); err != nil && !errors.Is(err, store.ErrRoomNotFound) {
			h.log.WithError(err).Warn("error extending room TTL")
		}
		return p, res.occ, nil
	}
	return nil, Occupancy{}, ErrRoomNotFound
}

// ActivateRoom loads a room from the store into the hub if it's not already active.
func (h *Hub) ActivateRoom(id string) (*Room, error) {
	if r := h.GetRoom(id); r != nil {
		return r, nil
	}

	// The store is read under the lock so that a room being purged by
	// removeRoom can't be loaded back in between its revocation and its
	// removal from the map.
	h.mut.Lock()
	defer h.mut.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}

	sr, err := h.Store.GetRoom(id)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		h.log.WithError(err).Error("error loading room from store")
		return nil, fmt.Errorf("error loading room: %w", err)
	}

	r := NewRoom(sr.ID, sr.Policy, h)
	h.rooms[id] = r
	go r.run()
	return r, nil
}

// GetRoom retrives an active room from the hub.
func (h *Hub) GetRoom(id string) *Room {
	h.mut.RLock()
	r := h.rooms[id]
	h.mut.RUnlock()
	return r
}

// NumRooms returns the number of active rooms.
func (h *Hub) NumRooms() int {
	h.mut.RLock()
	defer h.mut.RUnlock()
	return len(h.rooms)
}

// BufferedBytes returns the chunk bytes currently held across all rooms.
func (h *Hub) BufferedBytes() int64 {
	return h.budget.Used()
}

// Shutdown disposes of all active rooms, disconnecting their peers.
func (h *Hub) Shutdown() {
	for _, r := range h.getRooms() {
		r.Dispose()
	}
}

// getRooms returns the list of active rooms.
func (h *Hub) getRooms() []*Room {
	h.mut.RLock()
	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	h.mut.RUnlock()
	return out
}

// removeRoom removes a room from the hub and, when purge is set, revokes its
// key in the store.
func (h *Hub) removeRoom(r *Room, purge bool) {
	h.mut.Lock()
	defer h.mut.Unlock()

	// The key is revoked before the room leaves the map. Until then, lookups
	// find the closing room, fail to join it and retry against the store.
	if purge {
		if err := h.Store.RemoveRoom(r.ID); err != nil {
			h.log.WithError(err).Error("error removing room from store")
		}
	}
	if h.rooms[r.ID] == r {
		delete(h.rooms, r.ID)
	}
}

// generateRoomKey generates a random room key while checking the store for
// uniqueness up to numTries times.
func (h *Hub) generateRoomKey(n, numTries int) (string, error) {
	for i := 0; i < numTries; i++ {
		id, err := GenerateKey(n)
		if err != nil {
			h.log.WithError(err).Error("error generating room key")
			return "", errors.New("error generating room key")
		}

		exists, err := h.Store.RoomExists(id)
		if err != nil {
			h.log.WithError(err).Error("error checking room key in store")
			return "", errors.New("error checking room key")
		}

		// Got a unique key.
		if !exists {
			return id, nil
		}
	}
	return "", errors.New("unable to generate unique room key")
}

// GenerateKey returns n cryptographically random bytes encoded as unpadded
// URL-safe base64.
func GenerateKey(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// keyPrefix returns a loggable prefix of a room key.
func keyPrefix(id string) string {
	if len(id) <= 5 {
		return id
	}
	return id[:5] + "..."
}
