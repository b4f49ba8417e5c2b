package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("signaling not connected")
	ErrQueueFull    = errors.New("signaling send queue full")
	ErrUnknownCall  = errors.New("no peer known for call")
)

type ClientConfig struct {
	URL   string
	Token string
	Self  domain.Party

	QueueSize    int
	DialTimeout  time.Duration
	PingInterval time.Duration
	MaxBackoff   time.Duration
}

// Client is the softphone side of the relay. It implements
// port.Signaling.
type Client struct {
	cfg ClientConfig

	handlerMu sync.RWMutex
	handler   port.SignalHandler

	conn   *websocket.Conn
	connMu sync.Mutex

	ctx       context.Context
	ctxCancel context.CancelFunc
	sendCh    chan Envelope
	closedCh  chan struct{}

	reconnectDelay time.Duration

	callsMu sync.Mutex
	calls   map[domain.CallID]domain.UserID
}

var _ port.Signaling = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:            cfg,
		sendCh:         make(chan Envelope, cfg.QueueSize),
		reconnectDelay: time.Second,
		calls:          make(map[domain.CallID]domain.UserID),
	}
}

func (c *Client) SetHandler(h port.SignalHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

func (c *Client) getHandler() port.SignalHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

// Connect dials the relay and keeps the connection up until Disconnect.
// Only the first dial is reported; later failures are retried with
// backoff.
func (c *Client) Connect(dialCtx context.Context) error {
	c.connMu.Lock()
	if c.ctx != nil {
		c.connMu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	closed := make(chan struct{})
	c.ctx, c.ctxCancel, c.closedCh = ctx, cancel, closed
	c.connMu.Unlock()

	if err := c.dial(dialCtx); err != nil {
		cancel()
		c.connMu.Lock()
		c.ctx, c.ctxCancel = nil, nil
		c.connMu.Unlock()
		return fmt.Errorf("initial signaling connection failed: %w", err)
	}
	go c.runLoop(ctx, closed)
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	} else {
		q.Set("user", c.cfg.Self.ID.String())
	}
	if c.cfg.Self.Name != "" {
		q.Set("name", c.cfg.Self.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
	c.reconnectDelay = time.Second
	log.Info().Str("url", c.cfg.URL).Str("user_id", c.cfg.Self.ID.String()).Msg("Signaling connected")
	return nil
}

// Disconnect stops reconnecting and closes the socket.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	cancel, closed := c.ctxCancel, c.closedCh
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		log.Warn().Msg("Signaling close timed out, forcing shutdown")
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = nil
	c.ctx, c.ctxCancel = nil, nil
	return nil
}

func (c *Client) runLoop(ctx context.Context, closed chan struct{}) {
	defer close(closed)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.ensureConnected(ctx); err != nil {
			log.Warn().Err(err).Dur("retry_in", c.reconnectDelay).Msg("Signaling connection failed")
			select {
			case <-time.After(c.reconnectDelay):
				c.reconnectDelay = min(c.reconnectDelay*2, c.cfg.MaxBackoff)
				continue
			case <-ctx.Done():
				return
			}
		}

		conn := c.currentConn()
		done := make(chan struct{})
		errCh := make(chan error, 2)
		go c.readLoop(conn, errCh)
		go c.writeLoop(ctx, conn, done, errCh)

		select {
		case err := <-errCh:
			close(done)
			log.Warn().Err(err).Msg("Signaling connection error")
			c.disconnect()
			if h := c.getHandler(); h != nil {
				h.OnError(&domain.SignalingError{Op: "connection", Err: err})
			}
		case <-ctx.Done():
			close(done)
			c.disconnect()
			return
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if c.currentConn() != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return c.dial(dialCtx)
}

func (c *Client) disconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		log.Info().Msg("Signaling disconnected")
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) readLoop(conn *websocket.Conn, errCh chan<- error) {
	if conn == nil {
		errCh <- ErrNotConnected
		return
	}
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			errCh <- fmt.Errorf("read failed: %w", err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}, errCh chan<- error) {
	if conn == nil {
		errCh <- ErrNotConnected
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.sendCh:
			if err := conn.WriteJSON(env); err != nil {
				errCh <- fmt.Errorf("write failed: %w", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second)); err != nil {
				errCh <- fmt.Errorf("ping failed: %w", err)
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dispatch(env Envelope) {
	h := c.getHandler()
	if h == nil {
		log.Warn().Str("op", string(env.Op)).Msg("No signal handler, dropping message")
		return
	}

	switch env.Op {
	case OpInvite:
		c.remember(env.CallID, env.From)
		h.OnRing(domain.Invitation{
			CallID: env.CallID,
			From:   domain.Party{ID: env.From, Name: env.FromName},
			Kind:   env.Kind,
		})
	case OpAccept:
		h.OnAccepted(env.CallID, env.Kind)
	case OpDecline:
		c.forget(env.CallID)
		h.OnDeclined(env.CallID, env.Reason)
	case OpEnd:
		c.forget(env.CallID)
		h.OnEnded(env.CallID, domain.ParseEndReason(env.Reason))
	case OpOffer, OpAnswer, OpRenegotiate:
		if env.SDP == nil {
			log.Warn().Str("op", string(env.Op)).Str("call_id", env.CallID.String()).Msg("Missing sdp")
			return
		}
		switch env.Op {
		case OpOffer:
			h.OnOffer(env.CallID, *env.SDP)
		case OpAnswer:
			h.OnAnswer(env.CallID, *env.SDP)
		default:
			h.OnRenegotiate(env.CallID, *env.SDP)
		}
	case OpCandidate:
		if env.Candidate == nil {
			log.Warn().Str("call_id", env.CallID.String()).Msg("Missing candidate")
			return
		}
		h.OnCandidate(env.CallID, *env.Candidate)
	case OpMuteChange, OpVideoChange, OpScreenShareStarted, OpScreenShareStopped:
		if change, ok := mediaChange(env); ok {
			h.OnPeerMediaChange(env.CallID, change)
		}
	case OpError:
		h.OnError(&domain.SignalingError{Op: "relay", CallID: env.CallID, Err: errors.New(env.Error)})
	default:
		log.Warn().Str("op", string(env.Op)).Msg("Unknown message op")
	}
}

func mediaChange(env Envelope) (domain.RemoteMediaChange, bool) {
	switch env.Op {
	case OpScreenShareStarted:
		return domain.RemoteScreenShareStarted, true
	case OpScreenShareStopped:
		return domain.RemoteScreenShareStopped, true
	}
	if env.Enabled == nil {
		return "", false
	}
	on := *env.Enabled
	switch {
	case env.Op == OpMuteChange && on:
		return domain.RemoteUnmuted, true
	case env.Op == OpMuteChange:
		return domain.RemoteMuted, true
	case on:
		return domain.RemoteVideoEnabled, true
	default:
		return domain.RemoteVideoDisabled, true
	}
}

func (c *Client) remember(callID domain.CallID, peer domain.UserID) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	c.calls[callID] = peer
}

func (c *Client) forget(callID domain.CallID) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	delete(c.calls, callID)
}

func (c *Client) peerOf(callID domain.CallID) (domain.UserID, error) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	peer, ok := c.calls[callID]
	if !ok {
		return "", fmt.Errorf("%w %s", ErrUnknownCall, callID)
	}
	return peer, nil
}

func (c *Client) send(env Envelope) error {
	c.connMu.Lock()
	ctx := c.ctx
	c.connMu.Unlock()
	if ctx == nil {
		return ErrNotConnected
	}

	select {
	case c.sendCh <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (c *Client) sendToPeer(callID domain.CallID, env Envelope) error {
	peer, err := c.peerOf(callID)
	if err != nil {
		return err
	}
	env.CallID = callID
	env.To = peer
	return c.send(env)
}

func (c *Client) GenerateCallID() domain.CallID {
	return domain.CallID(uuid.NewString())
}

func (c *Client) Invite(ctx context.Context, callID domain.CallID, target domain.UserID, kind domain.MediaKind) error {
	c.remember(callID, target)
	err := c.send(Envelope{Op: OpInvite, CallID: callID, To: target, Kind: kind, FromName: c.cfg.Self.Name})
	if err != nil {
		c.forget(callID)
	}
	return err
}

func (c *Client) Accept(ctx context.Context, callID domain.CallID, kind domain.MediaKind) error {
	return c.sendToPeer(callID, Envelope{Op: OpAccept, Kind: kind})
}

func (c *Client) Decline(ctx context.Context, callID domain.CallID, reason string) error {
	defer c.forget(callID)
	return c.sendToPeer(callID, Envelope{Op: OpDecline, Reason: reason})
}

func (c *Client) End(ctx context.Context, callID domain.CallID, reason domain.EndReason, durationSeconds int) error {
	defer c.forget(callID)
	return c.sendToPeer(callID, Envelope{Op: OpEnd, Reason: string(reason), Duration: durationSeconds})
}

func (c *Client) SendOffer(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error {
	return c.sendToPeer(callID, Envelope{Op: OpOffer, SDP: &sdp})
}

func (c *Client) SendAnswer(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error {
	return c.sendToPeer(callID, Envelope{Op: OpAnswer, SDP: &sdp})
}

func (c *Client) SendCandidate(ctx context.Context, callID domain.CallID, candidate domain.Candidate) error {
	return c.sendToPeer(callID, Envelope{Op: OpCandidate, Candidate: &candidate})
}

func (c *Client) RequestRenegotiation(ctx context.Context, callID domain.CallID, sdp domain.SessionDescription) error {
	return c.sendToPeer(callID, Envelope{Op: OpRenegotiate, SDP: &sdp})
}

func (c *Client) NotifyMuteChange(ctx context.Context, callID domain.CallID, muted bool) error {
	enabled := !muted
	return c.sendToPeer(callID, Envelope{Op: OpMuteChange, Enabled: &enabled})
}

func (c *Client) NotifyVideoChange(ctx context.Context, callID domain.CallID, enabled bool) error {
	return c.sendToPeer(callID, Envelope{Op: OpVideoChange, Enabled: &enabled})
}

func (c *Client) NotifyScreenShareStarted(ctx context.Context, callID domain.CallID) error {
	return c.sendToPeer(callID, Envelope{Op: OpScreenShareStarted})
}

func (c *Client) NotifyScreenShareStopped(ctx context.Context, callID domain.CallID) error {
	return c.sendToPeer(callID, Envelope{Op: OpScreenShareStopped})
}
