// Package quota accounts for the memory held by in-flight transfers across
// all rooms so that whole-file buffering can't exhaust the process.
package quota

import (
	"errors"
	"sync"
)

// Config represents the buffering limits.
type Config struct {
	// MaxMemory is the total number of chunk bytes that may be buffered
	// across all rooms. 0 disables the limit.
	MaxMemory int64 `koanf:"max_memory"`

	// MaxFileSize is the largest file a sender may declare. 0 disables
	// the limit.
	MaxFileSize int64 `koanf:"max_file_size"`
}

// ErrExhausted indicates that the buffer budget is used up.
var ErrExhausted = errors.New("transfer buffer budget exhausted")

// Budget is a process-wide byte counter shared by all transfer sessions.
type Budget struct {
	cfg  Config
	mu   sync.Mutex
	used int64
}

// New returns a new Budget.
func New(cfg Config) *Budget {
	return &Budget{cfg: cfg}
}

// Reserve claims n bytes of the budget.
func (b *Budget) Reserve(n int64) error {
	if b == nil || n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.MaxMemory > 0 && b.used+n > b.cfg.MaxMemory {
		return ErrExhausted
	}
	b.used += n
	return nil
}

// Release returns n bytes to the budget.
func (b *Budget) Release(n int64) {
	if b == nil || n <= 0 {
		return
	}
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	b.mu.Unlock()
}

// Used returns the number of reserved bytes.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// MaxFileSize returns the configured declared-size ceiling.
func (b *Budget) MaxFileSize() int64 {
	if b == nil {
		return 0
	}
	return b.cfg.MaxFileSize
}
