// Package transfer holds the per-room state of a single file transfer: the
// sender's declaration, the chunk buffer, byte counters and the key the
// assembled file is encrypted with.
//
// A Session moves through Idle -> Declared -> Accumulating -> Assembling ->
// Delivered, or to Aborted from any state when it is discarded early.
// Completion is order independent: the session is ready to be assembled as
// soon as the buffer holds every index in [0, total_chunks), regardless of
// which chunk arrived last. Duplicate indices are rejected.
package transfer

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/veildrop/veildrop/internal/cipher"
	"github.com/veildrop/veildrop/internal/quota"
)

// State of a transfer session.
type State uint8

// Session states.
const (
	StateIdle State = iota
	StateDeclared
	StateAccumulating
	StateAssembling
	StateDelivered
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDeclared:
		return "declared"
	case StateAccumulating:
		return "accumulating"
	case StateAssembling:
		return "assembling"
	case StateDelivered:
		return "delivered"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

const defaultFilename = "unknown_file"

var (
	// ErrNoSession indicates a chunk arriving with no declared transfer.
	ErrNoSession = errors.New("no transfer in progress")

	// ErrNotAccepting indicates a chunk for a session that is no longer
	// accumulating.
	ErrNotAccepting = errors.New("transfer is not accepting chunks")

	// ErrDuplicateChunk indicates a chunk index that was already received.
	ErrDuplicateChunk = errors.New("duplicate chunk")

	// ErrChunkOutOfRange indicates a chunk index outside [0, total_chunks).
	ErrChunkOutOfRange = errors.New("chunk index out of range")

	// ErrTotalMismatch indicates a chunk declaring a different total_chunks
	// than earlier chunks of the same transfer.
	ErrTotalMismatch = errors.New("total_chunks changed mid-transfer")

	// ErrChunkTooLarge indicates a chunk exceeding the configured size.
	ErrChunkTooLarge = errors.New("chunk too large")

	// ErrFileTooLarge indicates a file exceeding the configured size.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidSize indicates a negative declared file size.
	ErrInvalidSize = errors.New("invalid file size")
)

// Options are the encryption options a sender attaches to a declaration.
type Options struct {
	Method         string `json:"method"`
	IntegrityCheck *bool  `json:"integrityCheck,omitempty"`

	// Hash is an optional hex SHA-256 of the file computed by the sender.
	// When present the assembled file is checked against it.
	Hash string `json:"hash,omitempty"`
}

// Declaration is a sender's start-transfer request.
type Declaration struct {
	Filename string
	FileSize int64
	Options  Options
}

// Limits bound what a single session may buffer.
type Limits struct {
	MaxChunkSize int
	Budget       *quota.Budget
}

// Progress is a snapshot of the counters after a chunk is accepted.
type Progress struct {
	ChunkID     int
	TotalChunks int
	Transferred int64
	Total       int64
	Percentage  int
}

// Result is the outcome of sealing an assembled file.
type Result struct {
	Filename  string
	FileSize  int64
	Sealed    cipher.Sealed
	Digest    cipher.Digest
	Integrity bool
	Verified  bool
}

// Session is the mutable state of one transfer. It is not safe for
// concurrent use; the owning room serialises access.
type Session struct {
	Filename  string
	FileSize  int64
	Algorithm cipher.Algorithm
	Integrity bool

	expected *cipher.Digest

	state       State
	transferred int64
	totalChunks int
	chunks      map[int][]byte
	key         []byte

	budget   *quota.Budget
	reserved int64
	maxChunk int
}

// New validates a declaration and provisions a fresh key for it.
func New(d Declaration, lim Limits) (*Session, error) {
	if d.FileSize < 0 {
		return nil, ErrInvalidSize
	}
	if max := lim.Budget.MaxFileSize(); max > 0 && d.FileSize > max {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, d.FileSize, max)
	}

	s := &Session{
		Filename:  cleanFilename(d.Filename),
		FileSize:  d.FileSize,
		Algorithm: cipher.ParseAlgorithm(d.Options.Method),
		Integrity: d.Options.IntegrityCheck == nil || *d.Options.IntegrityCheck,
		state:     StateIdle,
		chunks:    make(map[int][]byte),
		budget:    lim.Budget,
		maxChunk:  lim.MaxChunkSize,
	}

	if d.Options.Hash != "" {
		h, err := cipher.ParseDigest(d.Options.Hash)
		if err != nil {
			return nil, err
		}
		s.expected = &h
	}

	key, err := cipher.GenerateKey(s.Algorithm)
	if err != nil {
		return nil, err
	}
	s.key = key
	s.state = StateDeclared
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Transferred returns the number of bytes accepted so far.
func (s *Session) Transferred() int64 {
	return s.transferred
}

// TotalChunks returns the chunk count fixed by the first chunk, or 0.
func (s *Session) TotalChunks() int {
	return s.totalChunks
}

// Received returns the number of distinct chunks buffered.
func (s *Session) Received() int {
	return len(s.chunks)
}

// AddChunk buffers one chunk. complete is true once every index has been
// received, at which point the session is Assembling and must be sealed.
// A rejected chunk leaves the session unchanged.
func (s *Session) AddChunk(id, total int, data []byte) (Progress, bool, error) {
	if s.state != StateDeclared && s.state != StateAccumulating {
		return Progress{}, false, ErrNotAccepting
	}
	if total <= 0 || id < 0 || id >= total {
		return Progress{}, false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, id, total)
	}
	if s.totalChunks != 0 && total != s.totalChunks {
		return Progress{}, false, fmt.Errorf("%w: %d != %d", ErrTotalMismatch, total, s.totalChunks)
	}
	if s.maxChunk > 0 && len(data) > s.maxChunk {
		return Progress{}, false, fmt.Errorf("%w: %d > %d bytes", ErrChunkTooLarge, len(data), s.maxChunk)
	}
	if _, ok := s.chunks[id]; ok {
		return Progress{}, false, fmt.Errorf("%w: %d", ErrDuplicateChunk, id)
	}

	n := int64(len(data))
	if max := s.budget.MaxFileSize(); max > 0 && s.transferred+n > max {
		return Progress{}, false, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, max)
	}
	if err := s.budget.Reserve(n); err != nil {
		return Progress{}, false, err
	}
	s.reserved += n

	s.totalChunks = total
	s.chunks[id] = data
	s.transferred += n
	s.state = StateAccumulating

	complete := len(s.chunks) == s.totalChunks
	if complete {
		s.state = StateAssembling
	}

	return Progress{
		ChunkID:     id,
		TotalChunks: total,
		Transferred: s.transferred,
		Total:       s.FileSize,
		Percentage:  s.Percentage(),
	}, complete, nil
}

// Percentage returns floor(100 * transferred / declared size), capped at 100.
// A zero declared size reports 100.
func (s *Session) Percentage() int {
	if s.FileSize <= 0 {
		return 100
	}
	p := s.transferred * 100 / s.FileSize
	if p > 100 {
		p = 100
	}
	return int(p)
}

// Assemble concatenates the buffered chunks in index order. Missing indices
// contribute nothing.
func (s *Session) Assemble() []byte {
	out := make([]byte, 0, s.transferred)
	for i := 0; i < s.totalChunks; i++ {
		out = append(out, s.chunks[i]...)
	}
	return out
}

// Seal assembles, hashes and encrypts the file in a single call and moves the
// session to Delivered. The chunk buffer is released; the key is kept until
// Discard so that it can still be enveloped to receivers.
func (s *Session) Seal() (Result, error) {
	if s.state != StateAssembling {
		return Result{}, fmt.Errorf("cannot seal a %s transfer", s.state)
	}

	data := s.Assemble()
	res := Result{
		Filename:  s.Filename,
		FileSize:  s.FileSize,
		Digest:    cipher.Hash(data),
		Integrity: s.Integrity,
	}

	sealed, err := cipher.Encrypt(data, s.key, s.Algorithm)
	if err != nil {
		return Result{}, err
	}
	res.Sealed = sealed

	if s.Integrity {
		res.Verified = s.verify(sealed, res.Digest)
	}

	s.releaseBuffer()
	s.state = StateDelivered
	return res, nil
}

// SealKeyFor envelopes the session key to a receiver's public key.
func (s *Session) SealKeyFor(pub []byte) (cipher.Envelope, error) {
	if s.key == nil {
		return cipher.Envelope{}, errors.New("session key already discarded")
	}
	return cipher.SealKey(s.key, pub)
}

// Discard wipes the key and drops the buffer. A session that was not
// delivered becomes Aborted.
func (s *Session) Discard() {
	s.releaseBuffer()
	if s.key != nil {
		cipher.Wipe(s.key)
		s.key = nil
	}
	if s.state != StateDelivered {
		s.state = StateAborted
	}
}

// verify decrypts the sealed payload and checks it against the content hash
// and the sender's expected hash, if any.
func (s *Session) verify(sealed cipher.Sealed, d cipher.Digest) bool {
	if s.expected != nil && *s.expected != d {
		return false
	}
	plain, err := cipher.Decrypt(sealed, s.key, s.Algorithm)
	if err != nil {
		return false
	}
	return cipher.VerifyHash(plain, d)
}

func (s *Session) releaseBuffer() {
	s.budget.Release(s.reserved)
	s.reserved = 0
	s.chunks = nil
}

// cleanFilename strips any path component from a client supplied name.
func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	if name == "." || name == ".." || name == "/" || name == "" {
		return defaultFilename
	}
	return name
}
