package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Role is a peer's immutable role in a room.
type Role uint8

// Peer roles.
const (
	RoleSender Role = iota + 1
	RoleReceiver
)

// ParseRole parses a role name as it appears in the WS route.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "sender":
		return RoleSender, nil
	case "receiver":
		return RoleReceiver, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	}
	return "unknown"
}

// Extra read allowance over the chunk size for text control messages.
const controlMsgSlack = 64 * 1024

// frame is a single outbound WS message.
type frame struct {
	typ  int
	data []byte
}

// Peer represents an individual peer / connection into a room.
type Peer struct {
	ID   string
	Role Role

	// Optional X25519 public key transfer keys are enveloped to.
	PublicKey []byte

	ws *websocket.Conn

	// Channel for outbound messages. Only the room writes to and closes it.
	dataQ chan frame

	// Peer's room.
	room *Room

	// Binary chunk waiting for its metadata record. Owned by the listener.
	pending []byte
}

// newPeer returns a new instance of Peer.
func newPeer(role Role, ws *websocket.Conn, pubKey []byte, room *Room) *Peer {
	qLen := room.hub.cfg.MaxMessageQueue
	if qLen <= 0 {
		qLen = 100
	}
	return &Peer{
		ID:        uuid.NewString(),
		Role:      role,
		PublicKey: pubKey,
		ws:        ws,
		dataQ:     make(chan frame, qLen),
		room:      room,
	}
}

// RunListener is a blocking function that reads incoming messages from a peer's
// WS connection until its dropped or there's an error. This should be invoked
// as a goroutine.
func (p *Peer) RunListener() {
	cfg := p.room.hub.cfg
	p.ws.SetReadLimit(int64(cfg.MaxChunkSize + controlMsgSlack))
	p.extendDeadline()
	p.ws.SetPongHandler(func(string) error {
		p.extendDeadline()
		return nil
	})

	for {
		typ, m, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.room.log.WithError(err).WithField("peer", p.ID).Debug("peer read error")
			}
			break
		}
		p.extendDeadline()

		switch typ {
		case websocket.BinaryMessage:
			p.processChunk(m)
		case websocket.TextMessage:
			p.processMessage(m)
		}
	}

	// WS connection is closed.
	p.ws.Close()
	p.room.leave(p)
}

// RunWriter is a blocking function that writes messages in a peer's queue to the
// peer's WS connection. This should be invoked as a goroutine.
func (p *Peer) RunWriter() {
	ping := time.NewTicker(p.pingPeriod())
	defer func() {
		ping.Stop()
		p.ws.Close()
	}()

	for {
		select {
		// Wait for outgoing message to appear in the channel.
		case f, ok := <-p.dataQ:
			if !ok {
				p.writeWSControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.writeWSData(f.typ, f.data); err != nil {
				p.room.log.WithError(err).WithField("peer", p.ID).Warn("error writing to peer")
				return
			}

		case <-ping.C:
			if err := p.writeWSControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send queues a frame without blocking. It returns false if the peer's queue
// is full. Only the room's goroutine calls it.
func (p *Peer) send(typ int, b []byte) bool {
	select {
	case p.dataQ <- frame{typ: typ, data: b}:
		return true
	default:
		return false
	}
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(time.Now().Add(p.room.hub.cfg.WSTimeout))
	return p.ws.WriteMessage(msgType, payload)
}

// writeWSControl writes the given control payload to the peer's WS connection.
func (p *Peer) writeWSControl(control int, payload []byte) error {
	return p.ws.WriteControl(control, payload, time.Now().Add(p.room.hub.cfg.WSTimeout))
}

func (p *Peer) extendDeadline() {
	p.ws.SetReadDeadline(time.Now().Add(p.room.hub.cfg.WSTimeout))
}

// pingPeriod must be shorter than the read deadline the other end keeps.
func (p *Peer) pingPeriod() time.Duration {
	return p.room.hub.cfg.WSTimeout * 9 / 10
}

// processChunk holds a binary frame until its metadata record arrives. A
// second frame before that is rejected and the held one is kept.
func (p *Peer) processChunk(b []byte) {
	if p.Role != RoleSender {
		p.room.sendError(p, "only sender can send file data")
		return
	}
	if p.pending != nil {
		p.room.sendError(p, "chunk data without metadata")
		return
	}
	p.pending = b
}

// processMessage processes incoming text messages from peers. Chunk metadata
// records arrive once per chunk and are read without a full decode.
func (p *Peer) processMessage(b []byte) {
	if !gjson.ValidBytes(b) {
		return
	}

	switch gjson.GetBytes(b, "type").String() {
	case TypeStartTransfer:
		var m msgIn
		if err := json.Unmarshal(b, &m); err != nil {
			p.room.sendError(p, "invalid start_transfer message")
			return
		}
		// A frame held from before the declaration belongs to no transfer.
		p.pending = nil
		p.room.startTransfer(p, m)

	case "", TypeChunk:
		res := gjson.GetManyBytes(b, "chunk_id", "total_chunks")
		if res[0].Type != gjson.Number {
			return
		}
		if p.pending == nil {
			p.room.sendError(p, "chunk metadata without chunk data")
			return
		}
		data := p.pending
		p.pending = nil
		p.room.addChunk(p, int(res[0].Int()), int(res[1].Int()), data)
	}
}
