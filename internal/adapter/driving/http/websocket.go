package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 64
)

var errSendBufferFull = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS layer for browsers; native
	// softphones send none.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one relay connection. Writes go through a buffered channel
// drained by writePump, so the hub never blocks on a slow socket.
type WSClient struct {
	party domain.Party
	conn  *websocket.Conn
	send  chan ws.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newWSClient(party domain.Party, conn *websocket.Conn) *WSClient {
	return &WSClient{
		party: party,
		conn:  conn,
		send:  make(chan ws.Envelope, sendBuffer),
		done:  make(chan struct{}),
	}
}

func (c *WSClient) UserID() domain.UserID {
	return c.party.ID
}

func (c *WSClient) Send(env ws.Envelope) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	party, err := h.Auth.Identify(r)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected websocket connection")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(party, conn)
	l := log.With().Str("user_id", party.ID.String()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)
	go client.writePump()

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		_ = client.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Pings from softphones also extend the deadline.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !env.Op.Valid() || env.To == "" {
			l.Warn().Str("op", string(env.Op)).Msg("Invalid envelope")
			continue
		}
		if env.Op == ws.OpInvite && env.FromName == "" {
			env.FromName = party.Name
		}
		h.Hub.Route(client, env)
	}
}
