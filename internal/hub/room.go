package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/veildrop/veildrop/internal/transfer"
	"github.com/veildrop/veildrop/store"
)

// Room request types.
const (
	reqJoin = iota
	reqLeave
	reqStart
	reqChunk
	reqPolicy
	reqError
)

// roomReq represents a peer request (join, leave, chunk etc.) that's processed
// by a Room's goroutine.
type roomReq struct {
	typ  int
	peer *Peer

	// start_transfer.
	msg msgIn

	// chunk.
	chunkID int
	total   int
	data    []byte

	policy store.Policy
	errMsg string

	// Only set for joins.
	reply chan joinResult
}

type joinResult struct {
	occ Occupancy
	err error
}

// PublishResult reports how many peers a broadcast reached. Dropped peers
// had a full queue and were disconnected.
type PublishResult struct {
	Sent    int
	Dropped int
}

// Room represents a file transfer room.
type Room struct {
	ID     string
	hub    *Hub
	policy store.Policy

	// Connected peers. The value is false once a peer has been dropped and is
	// waiting for its listener to report the disconnect.
	peers map[*Peer]bool

	// In-flight transfer and the sender that declared it.
	transfer *transfer.Session
	owner    *Peer

	reqQ chan roomReq

	// Dispose signal.
	disposeSig  chan struct{}
	disposeOnce sync.Once

	// Closed when the room's goroutine exits.
	done chan struct{}

	log *logrus.Entry
}

// NewRoom returns a new instance of Room.
func NewRoom(id string, p store.Policy, h *Hub) *Room {
	return &Room{
		ID:         id,
		hub:        h,
		policy:     p,
		peers:      make(map[*Peer]bool),
		reqQ:       make(chan roomReq, 100),
		disposeSig: make(chan struct{}),
		done:       make(chan struct{}),
		log:        h.log.WithField("room", keyPrefix(id)),
	}
}

// Dispose signals the room to disconnect all peers and shut down. Issued keys
// stay valid in the store.
func (r *Room) Dispose() {
	r.disposeOnce.Do(func() { close(r.disposeSig) })
	<-r.done
}

// join asks the room to admit p. ok is false if the room shut down before
// it could answer.
func (r *Room) join(p *Peer) (joinResult, bool) {
	reply := make(chan joinResult, 1)
	if !r.queue(roomReq{typ: reqJoin, peer: p, reply: reply}) {
		return joinResult{}, false
	}
	select {
	case res := <-reply:
		return res, true
	case <-r.done:
		return joinResult{}, false
	}
}

func (r *Room) leave(p *Peer) {
	r.queue(roomReq{typ: reqLeave, peer: p})
}

func (r *Room) startTransfer(p *Peer, m msgIn) {
	r.queue(roomReq{typ: reqStart, peer: p, msg: m})
}

func (r *Room) addChunk(p *Peer, id, total int, data []byte) {
	r.queue(roomReq{typ: reqChunk, peer: p, chunkID: id, total: total, data: data})
}

func (r *Room) setPolicy(p store.Policy) {
	r.queue(roomReq{typ: reqPolicy, policy: p})
}

// sendError queues an error message to a single peer.
func (r *Room) sendError(p *Peer, msg string) {
	r.queue(roomReq{typ: reqError, peer: p, errMsg: msg})
}

// queue hands a request to the room's goroutine. It returns false if the room
// has shut down.
func (r *Room) queue(req roomReq) bool {
	select {
	case r.reqQ <- req:
		return true
	case <-r.done:
		return false
	}
}

// run is a blocking function that starts the main event loop for a room that
// handles peer requests and broadcasts. This should be invoked as a goroutine.
func (r *Room) run() {
	r.log.Debug("room activated")

	for {
		select {
		case <-r.disposeSig:
			r.dispose()
			return

		case req := <-r.reqQ:
			switch req.typ {
			case reqJoin:
				req.reply <- r.processJoin(req.peer)

			case reqLeave:
				if r.processLeave(req.peer) {
					r.shutdown()
					return
				}

			case reqStart:
				r.processStart(req.peer, req.msg)

			case reqChunk:
				r.processChunk(req)

			case reqPolicy:
				r.policy = req.policy
				r.publish(makeStatusPayload(r.occupancy()))

			case reqError:
				if _, ok := r.peers[req.peer]; ok {
					r.sendTo(req.peer, websocket.TextMessage, makeErrorPayload(req.errMsg))
				}
			}
		}
	}
}

func (r *Room) processJoin(p *Peer) joinResult {
	occ := r.occupancy()
	if p.Role == RoleReceiver && r.policy.MaxReceivers > 0 && occ.Receivers >= r.policy.MaxReceivers {
		return joinResult{occ: occ, err: ErrRoomFull}
	}

	r.peers[p] = true
	go p.RunListener()
	go p.RunWriter()

	occ = r.occupancy()
	r.log.WithFields(logrus.Fields{
		"peer":      p.ID,
		"role":      p.Role.String(),
		"senders":   occ.Senders,
		"receivers": occ.Receivers,
	}).Info("peer joined")

	r.publish(makeStatusPayload(occ))

	// Late joiners still learn about the pending transfer.
	if r.transfer != nil {
		r.sendTo(p, websocket.TextMessage, makeTransferStartPayload(r.transfer))
	}
	return joinResult{occ: occ}
}

// processLeave removes a peer. It returns true if the room is now empty.
func (r *Room) processLeave(p *Peer) bool {
	open, ok := r.peers[p]
	if !ok {
		return false
	}
	delete(r.peers, p)
	if open {
		close(p.dataQ)
	}

	occ := r.occupancy()
	r.log.WithFields(logrus.Fields{
		"peer":      p.ID,
		"role":      p.Role.String(),
		"senders":   occ.Senders,
		"receivers": occ.Receivers,
	}).Info("peer left")

	if len(r.peers) == 0 {
		return true
	}

	if p == r.owner {
		r.abortTransfer("sender disconnected")
	}
	r.publish(makeStatusPayload(occ))
	return false
}

func (r *Room) processStart(p *Peer, m msgIn) {
	if p.Role != RoleSender {
		r.sendTo(p, websocket.TextMessage, makeErrorPayload(ErrRole.Error()))
		return
	}
	if r.transfer != nil && r.owner != p {
		r.sendTo(p, websocket.TextMessage, makeErrorPayload("another transfer is in progress"))
		return
	}

	s, err := transfer.New(transfer.Declaration{
		Filename: m.Filename,
		FileSize: m.FileSize,
		Options:  m.EncryptionOptions,
	}, transfer.Limits{
		MaxChunkSize: r.hub.cfg.MaxChunkSize,
		Budget:       r.hub.budget,
	})
	if err != nil {
		r.sendTo(p, websocket.TextMessage, makeErrorPayload(err.Error()))
		return
	}

	// A sender re-declaring replaces its own unfinished transfer.
	if r.transfer != nil {
		r.transfer.Discard()
	}
	r.transfer = s
	r.owner = p

	r.log.WithFields(logrus.Fields{
		"peer":     p.ID,
		"filesize": s.FileSize,
		"method":   s.Algorithm,
	}).Info("transfer declared")

	r.publish(makeTransferStartPayload(s))
}

func (r *Room) processChunk(req roomReq) {
	p := req.peer
	if _, ok := r.peers[p]; !ok {
		return
	}
	if r.transfer == nil || r.owner != p {
		r.sendTo(p, websocket.TextMessage, makeErrorPayload(transfer.ErrNoSession.Error()))
		return
	}

	prog, complete, err := r.transfer.AddChunk(req.chunkID, req.total, req.data)
	if err != nil {
		r.log.WithError(err).WithField("chunk", req.chunkID).Debug("chunk rejected")
		r.sendTo(p, websocket.TextMessage, makeErrorPayload(err.Error()))
		return
	}

	if !complete {
		r.publish(makeProgressPayload(prog))
		return
	}
	r.deliver()
}

// deliver seals the completed transfer and sends it to every receiver: one
// binary frame with the ciphertext followed by the completion record.
func (r *Room) deliver() {
	s := r.transfer
	defer func() {
		s.Discard()
		r.transfer = nil
		r.owner = nil
	}()

	res, err := s.Seal()
	if err != nil {
		r.log.WithError(err).Error("error sealing transfer")
		r.publish(makeAbortedPayload(s.Filename, "encryption failed"))
		return
	}

	base := newCompleteMsg(res)
	sent := 0
	for p, open := range r.peers {
		if !open || p.Role != RoleReceiver {
			continue
		}

		m := base
		if p.PublicKey != nil {
			env, err := s.SealKeyFor(p.PublicKey)
			if err != nil {
				r.log.WithError(err).WithField("peer", p.ID).Warn("error sealing key for peer")
			} else {
				m.KeyEnvelope = &env
			}
		}

		if !r.sendTo(p, websocket.BinaryMessage, res.Sealed.Ciphertext) {
			continue
		}
		if r.sendTo(p, websocket.TextMessage, makePayload(m)) {
			sent++
		}
	}

	ack := makePayload(base)
	for p, open := range r.peers {
		if open && p.Role == RoleSender {
			r.sendTo(p, websocket.TextMessage, ack)
		}
	}

	r.log.WithFields(logrus.Fields{
		"filesize":  res.FileSize,
		"receivers": sent,
		"verified":  res.Verified,
	}).Info("transfer delivered")
}

// abortTransfer discards the in-flight transfer and tells the room why.
func (r *Room) abortTransfer(reason string) {
	if r.transfer == nil {
		return
	}
	name := r.transfer.Filename
	r.transfer.Discard()
	r.transfer = nil
	r.owner = nil

	r.log.WithField("reason", reason).Info("transfer aborted")
	r.publish(makeAbortedPayload(name, reason))
}

// publish queues a message to every open peer without blocking.
func (r *Room) publish(b []byte) PublishResult {
	var res PublishResult
	for p, open := range r.peers {
		if !open {
			continue
		}
		if r.sendTo(p, websocket.TextMessage, b) {
			res.Sent++
		} else {
			res.Dropped++
		}
	}
	return res
}

// sendTo queues a frame to one peer, dropping the peer if its queue is full.
func (r *Room) sendTo(p *Peer, typ int, b []byte) bool {
	if !r.peers[p] {
		return false
	}
	if p.send(typ, b) {
		return true
	}
	r.drop(p)
	return false
}

// drop disconnects a slow peer. It stays in the room until its listener
// reports the disconnect.
func (r *Room) drop(p *Peer) {
	r.log.WithField("peer", p.ID).Warn("peer queue full, dropping")
	r.peers[p] = false
	close(p.dataQ)
	p.ws.Close()
}

// occupancy counts every peer still in the room.
func (r *Room) occupancy() Occupancy {
	o := Occupancy{MaxReceivers: r.policy.MaxReceivers}
	for p := range r.peers {
		switch p.Role {
		case RoleSender:
			o.Senders++
		case RoleReceiver:
			o.Receivers++
		}
	}
	return o
}

// shutdown purges an empty room: its transfer, its hub entry and its key.
func (r *Room) shutdown() {
	if r.transfer != nil {
		r.transfer.Discard()
		r.transfer = nil
	}
	r.hub.removeRoom(r, true)
	close(r.done)
	r.log.Info("room closed")
}

// dispose disconnects all peers on server shutdown.
func (r *Room) dispose() {
	if r.transfer != nil {
		r.transfer.Discard()
		r.transfer = nil
	}
	for p, open := range r.peers {
		if open {
			p.writeWSControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			close(p.dataQ)
			p.ws.Close()
		}
		delete(r.peers, p)
	}
	r.hub.removeRoom(r, false)
	close(r.done)
	r.log.Info("room disposed")
}

// Reject tells a connection why it was not admitted and closes it with a
// policy violation. Only valid for connections that never joined a room.
func (h *Hub) Reject(ws *websocket.Conn, err error) {
	msg := err.Error()
	if !errors.Is(err, ErrRoomNotFound) && !errors.Is(err, ErrRoomFull) {
		msg = "error joining room"
	}
	deadline := time.Now().Add(h.cfg.WSTimeout)
	ws.SetWriteDeadline(deadline)
	ws.WriteMessage(websocket.TextMessage, makeErrorPayload(msg))
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), deadline)
	ws.Close()
}
