package ws

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Peer is one connection registered on the relay.
type Peer interface {
	UserID() domain.UserID
	Send(env Envelope) error
	Close() error
}

type routed struct {
	from Peer
	env  Envelope
}

// Hub relays envelopes between connected users. A user has at most one
// connection: registering again replaces the previous one.
type Hub struct {
	mu         sync.RWMutex
	peers      map[domain.UserID]Peer
	route      chan routed
	register   chan Peer
	unregister chan Peer
	quit       chan struct{}
	stopOnce   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		peers:      make(map[domain.UserID]Peer),
		route:      make(chan routed, 256),
		register:   make(chan Peer),
		unregister: make(chan Peer),
		quit:       make(chan struct{}),
	}
}

// Route queues env from sender for delivery. From is overwritten with
// the sender's identity.
func (h *Hub) Route(from Peer, env Envelope) {
	env.From = from.UserID()
	select {
	case h.route <- routed{from: from, env: env}:
	default:
		log.Warn().Str("user_id", from.UserID().String()).Str("op", string(env.Op)).Msg("Route channel full, dropping message")
	}
}

// Count is the number of connected users.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) Connected(id domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[id]
	return ok
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, p := range h.peers {
				_ = p.Close()
				delete(h.peers, id)
			}
			h.mu.Unlock()
			return

		case p := <-h.register:
			h.mu.Lock()
			if old, ok := h.peers[p.UserID()]; ok && old != p {
				_ = old.Close()
				log.Info().Str("user_id", p.UserID().String()).Msg("Replacing previous connection")
			}
			h.peers[p.UserID()] = p
			h.mu.Unlock()
			log.Info().Str("user_id", p.UserID().String()).Msg("Client registered")

		case p := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.peers[p.UserID()]; ok && cur == p {
				delete(h.peers, p.UserID())
				log.Info().Str("user_id", p.UserID().String()).Msg("Client unregistered")
			}
			h.mu.Unlock()
			_ = p.Close()

		case r := <-h.route:
			h.deliver(r)
		}
	}
}

func (h *Hub) deliver(r routed) {
	env := r.env
	logger := log.With().Str("call_id", env.CallID.String()).Str("from", env.From.String()).Str("to", env.To.String()).Logger()

	h.mu.RLock()
	target, ok := h.peers[env.To]
	h.mu.RUnlock()

	if !ok {
		logger.Debug().Str("op", string(env.Op)).Msg("Target offline")
		if env.Op == OpInvite {
			reply := Envelope{Op: OpDecline, CallID: env.CallID, From: env.To, To: env.From, Reason: ReasonOffline}
			if err := r.from.Send(reply); err != nil {
				logger.Error().Err(err).Msg("Error sending offline decline")
			}
		}
		return
	}

	if err := target.Send(env); err != nil {
		logger.Error().Err(err).Str("op", string(env.Op)).Msg("Error sending message")
		h.mu.Lock()
		if cur, ok := h.peers[env.To]; ok && cur == target {
			delete(h.peers, env.To)
		}
		h.mu.Unlock()
		_ = target.Close()
	}
}

func (h *Hub) Register(p Peer) {
	select {
	case h.register <- p:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(p Peer) {
	select {
	case h.unregister <- p:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
