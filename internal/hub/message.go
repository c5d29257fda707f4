package hub

import (
	"encoding/hex"
	"encoding/json"

	"github.com/veildrop/veildrop/internal/cipher"
	"github.com/veildrop/veildrop/internal/transfer"
)

// Types of messages exchanged with peers.
const (
	TypeStatus           = "status"
	TypeStartTransfer    = "start_transfer"
	TypeChunk            = "chunk"
	TypeTransferStart    = "transfer_start"
	TypeTransferProgress = "transfer_progress"
	TypeTransferComplete = "transfer_complete"
	TypeTransferAborted  = "transfer_aborted"
	TypeError            = "error"
)

// msgIn is a sender's start_transfer request. A chunk's metadata record,
// {chunk_id, total_chunks} with no type (or "chunk"), follows the binary
// frame carrying its bytes.
type msgIn struct {
	Type              string           `json:"type"`
	Filename          string           `json:"filename"`
	FileSize          int64            `json:"filesize"`
	EncryptionOptions transfer.Options `json:"encryptionOptions"`
}

type msgStatus struct {
	Type         string `json:"type"`
	Senders      int    `json:"senders"`
	Receivers    int    `json:"receivers"`
	MaxReceivers int    `json:"max_receivers"`
	Ready        bool   `json:"ready_to_transfer"`
}

type encryptionOptions struct {
	Method         cipher.Algorithm `json:"method"`
	IntegrityCheck bool             `json:"integrityCheck"`
}

type msgTransferStart struct {
	Type              string            `json:"type"`
	Filename          string            `json:"filename"`
	FileSize          int64             `json:"filesize"`
	EncryptionOptions encryptionOptions `json:"encryptionOptions"`
}

type msgProgress struct {
	Type        string `json:"type"`
	ChunkID     int    `json:"chunk_id"`
	TotalChunks int    `json:"total_chunks"`
	Transferred int64  `json:"transferred"`
	Total       int64  `json:"total"`
	Percentage  int    `json:"percentage"`
}

// encryptionMetadata describes how to open the ciphertext frame. It never
// carries the key.
type encryptionMetadata struct {
	Method cipher.Algorithm `json:"method"`
	Nonce  string           `json:"nonce"`
	Tag    string           `json:"tag,omitempty"`
}

type msgComplete struct {
	Type               string             `json:"type"`
	Filename           string             `json:"filename"`
	FileSize           int64              `json:"filesize"`
	IntegrityVerified  *bool              `json:"integrity_verified,omitempty"`
	IntegrityHash      string             `json:"integrity_hash,omitempty"`
	EncryptionMetadata encryptionMetadata `json:"encryption_metadata"`
	KeyEnvelope        *cipher.Envelope   `json:"key_envelope,omitempty"`
}

type msgAborted struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type msgError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func makeStatusPayload(o Occupancy) []byte {
	return makePayload(msgStatus{
		Type:         TypeStatus,
		Senders:      o.Senders,
		Receivers:    o.Receivers,
		MaxReceivers: o.MaxReceivers,
		Ready:        o.Ready(),
	})
}

func makeTransferStartPayload(s *transfer.Session) []byte {
	return makePayload(msgTransferStart{
		Type:     TypeTransferStart,
		Filename: s.Filename,
		FileSize: s.FileSize,
		EncryptionOptions: encryptionOptions{
			Method:         s.Algorithm,
			IntegrityCheck: s.Integrity,
		},
	})
}

func makeProgressPayload(p transfer.Progress) []byte {
	return makePayload(msgProgress{
		Type:        TypeTransferProgress,
		ChunkID:     p.ChunkID,
		TotalChunks: p.TotalChunks,
		Transferred: p.Transferred,
		Total:       p.Total,
		Percentage:  p.Percentage,
	})
}

// newCompleteMsg prepares the completion record shared by all recipients.
func newCompleteMsg(res transfer.Result) msgComplete {
	m := msgComplete{
		Type:     TypeTransferComplete,
		Filename: res.Filename,
		FileSize: res.FileSize,
		EncryptionMetadata: encryptionMetadata{
			Method: res.Sealed.Algorithm,
			Nonce:  hex.EncodeToString(res.Sealed.Nonce),
			Tag:    hex.EncodeToString(res.Sealed.Tag),
		},
	}
	if res.Integrity {
		v := res.Verified
		m.IntegrityVerified = &v
		m.IntegrityHash = res.Digest.String()
	}
	return m
}

func makeAbortedPayload(filename, reason string) []byte {
	return makePayload(msgAborted{
		Type:     TypeTransferAborted,
		Filename: filename,
		Reason:   reason,
	})
}

func makeErrorPayload(msg string) []byte {
	return makePayload(msgError{Type: TypeError, Message: msg})
}

// makePayload prepares a message payload.
func makePayload(m interface{}) []byte {
	b, _ := json.Marshal(m)
	return b
}
