// Package store defines the room registry: the record of issued room keys
// and their capacity policies.
package store

import (
	"errors"
	"time"
)

// Store represents a backend store.
type Store interface {
	AddRoom(r Room, ttl time.Duration) error
	GetRoom(id string) (Room, error)
	ExtendRoomTTL(id string, ttl time.Duration) error
	RoomExists(id string) (bool, error)
	RemoveRoom(id string) error

	// SetPolicy upserts a room's capacity policy.
	SetPolicy(id string, p Policy) error

	// Get and Set are for arbitrary server-side values such as the onion
	// service key.
	Get(key string) ([]byte, error)
	Set(key string, data []byte) error
}

// Policy is a room's capacity policy.
type Policy struct {
	// MaxReceivers caps the number of receivers. 0 is unlimited.
	MaxReceivers int `json:"max_receivers"`
}

// Room represents the properties of a room in the store.
type Room struct {
	ID        string    `json:"id"`
	Policy    Policy    `json:"policy"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrRoomNotFound indicates that the requested room was not found.
var ErrRoomNotFound = errors.New("room not found")

// ErrNotFound indicates that a key was not found.
var ErrNotFound = errors.New("key not found")
