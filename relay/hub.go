package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHeartbeatInterval matches the presence timeout peers expect.
const DefaultHeartbeatInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// LAN-only deployment, peers connect from arbitrary origins.
		return true
	},
}

// Handler reacts to session lifecycle and decrypted envelopes.
//
// HandleEnvelope runs on the hub goroutine; returned deliveries are sealed
// per recipient and queued before the next envelope is processed.
type Handler interface {
	SessionOpened(address string)
	SessionExpired(address string)
	HandleEnvelope(from *Session, env Envelope) []Delivery
}

// Delivery addresses an envelope to one session or to a group.
type Delivery struct {
	// TargetAddress selects sessions registered under an exact address.
	// When empty, Group is used instead.
	TargetAddress string
	// Group broadcasts to a group; empty or GroupAll reaches everyone.
	// Sessions that connected with the wildcard group receive every
	// group-scoped broadcast as well.
	Group string
	// SkipAddress excludes one address from a group broadcast.
	SkipAddress string

	Envelope Envelope
}

type inboundFrame struct {
	session *Session
	frame   []byte
}

// Hub owns the session set. All membership changes and envelope dispatch
// happen on the Run goroutine, so broadcasts never race disconnects.
type Hub struct {
	key     []byte
	handler Handler
	logger  *slog.Logger

	heartbeatInterval time.Duration

	sessions map[*Session]struct{}

	register   chan *Session
	unregister chan *Session
	expired    chan *Session
	inbound    chan inboundFrame
	outbound   chan Delivery
	done       chan struct{}
}

// NewHub creates a hub sealing envelopes with the given key.
func NewHub(key []byte, handler Handler, logger *slog.Logger, heartbeatInterval time.Duration) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Hub{
		key:               key,
		handler:           handler,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		sessions:          make(map[*Session]struct{}),
		register:          make(chan *Session),
		unregister:        make(chan *Session),
		expired:           make(chan *Session),
		inbound:           make(chan inboundFrame, 256),
		outbound:          make(chan Delivery, 256),
		done:              make(chan struct{}),
	}
}

// Run processes hub events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case session := <-h.register:
			h.sessions[session] = struct{}{}
			h.logger.Debug("session connected", "address", session.address, "group", session.group, "sessions", len(h.sessions))
			if h.handler != nil && session.address != "" {
				h.handler.SessionOpened(session.address)
			}

		case session := <-h.unregister:
			h.drop(session)

		case session := <-h.expired:
			h.logger.Info("session heartbeat expired", "address", session.address)
			if h.handler != nil && session.address != "" {
				h.handler.SessionExpired(session.address)
			}
			session.close()
			h.drop(session)

		case frame := <-h.inbound:
			h.dispatch(frame)

		case delivery := <-h.outbound:
			h.deliver(delivery)

		case <-h.done:
			for session := range h.sessions {
				session.close()
			}
			return
		}
	}
}

// Stop shuts the hub down and closes every session.
func (h *Hub) Stop() {
	close(h.done)
}

// expire reports a session that missed its heartbeat.
func (h *Hub) expire(session *Session) {
	select {
	case h.expired <- session:
	case <-h.done:
	}
}

// Send queues a delivery from outside the hub goroutine.
func (h *Hub) Send(delivery Delivery) {
	select {
	case h.outbound <- delivery:
	case <-h.done:
	}
}

// HandleWebSocket upgrades /ws requests into relay sessions.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	group := r.URL.Query().Get("group")
	if address == "" && group == "" {
		http.Error(w, "address or group is required", http.StatusBadRequest)
		return
	}
	if group == "" {
		group = GroupAll
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := newSession(h, conn, address, group)
	select {
	case h.register <- session:
	case <-h.done:
		session.close()
		return
	}

	go session.writePump()
	go session.readPump()
}

func (h *Hub) drop(session *Session) {
	if _, ok := h.sessions[session]; !ok {
		return
	}
	delete(h.sessions, session)
	close(session.send)
	h.logger.Debug("session disconnected", "address", session.address, "sessions", len(h.sessions))
}

func (h *Hub) dispatch(frame inboundFrame) {
	env, err := OpenEnvelope(h.key, frame.frame)
	if err != nil {
		h.logger.Warn("dropping undecryptable frame", "address", frame.session.address, "error", err)
		return
	}

	// The hub is authoritative for the sender identity.
	env.SenderAddress = frame.session.address
	if env.Group == "" {
		env.Group = frame.session.group
	}

	if !knownType(env.Type) {
		h.logger.Warn("dropping envelope of unknown type", "type", env.Type, "address", frame.session.address)
		return
	}

	if h.handler == nil {
		return
	}
	for _, delivery := range h.handler.HandleEnvelope(frame.session, env) {
		h.deliver(delivery)
	}
}

func (h *Hub) deliver(delivery Delivery) {
	frame, err := SealEnvelope(h.key, delivery.Envelope)
	if err != nil {
		h.logger.Warn("failed to seal envelope", "type", delivery.Envelope.Type, "error", err)
		return
	}

	for session := range h.sessions {
		if !delivery.matches(session) {
			continue
		}
		select {
		case session.send <- frame:
		default:
			// Back-pressured session, drop it rather than stall the hub.
			h.logger.Warn("session send queue full, dropping session", "address", session.address)
			session.close()
			h.drop(session)
		}
	}
}

func (d Delivery) matches(session *Session) bool {
	if d.TargetAddress != "" {
		return session.address == d.TargetAddress
	}
	if d.SkipAddress != "" && session.address == d.SkipAddress {
		return false
	}
	if d.Group == "" || d.Group == GroupAll || session.group == GroupAll {
		return true
	}
	return session.group == d.Group
}

func knownType(envelopeType string) bool {
	switch envelopeType {
	case TypeChat, TypePeerSignal, TypeProfile,
		TypeFileRequest, TypeFileAutoAccepted, TypeFileRejected,
		TypeInviteRequest, TypeInviteAccepted,
		TypeUpdateRequest, TypeUpdateResponse:
		return true
	default:
		return false
	}
}
