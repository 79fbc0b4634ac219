package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"quickcommerce/internal/apperr"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/identity"
	"quickcommerce/internal/notify"
	"quickcommerce/internal/session"
	"quickcommerce/internal/util"
)

const (
	maxDecodeErrorsPerConn = 3
	outboundBuffer         = 64
	writeTimeout           = 10 * time.Second
	maxMessageRunes        = 500
)

var errSlowConsumer = errors.New("api: connection send buffer full")

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind      apperr.Kind       `json:"kind"`
	Reason    apperr.Reason     `json:"reason"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type ackEnvelope struct {
	Result any `json:"result"`
}

func toErrorBody(err error) errorBody {
	ae, ok := apperr.As(err)
	if !ok {
		return errorBody{Kind: apperr.KindInternal, Reason: apperr.ReasonInternal, Message: "internal error"}
	}
	msg := ae.Message
	if ae.Kind == apperr.KindInternal {
		msg = "internal error"
	}
	return errorBody{
		Kind:      ae.Kind,
		Reason:    ae.Reason,
		Message:   msg,
		Retryable: apperr.Retryable(ae),
		Metadata:  ae.Metadata,
	}
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// wsClient is one WebSocket connection and the session.Sink of its session.
// A single writer goroutine owns the socket; everything else enqueues.
type wsClient struct {
	conn      *websocket.Conn
	connID    string
	identity  domain.Identity
	send      chan []byte
	done      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

func newWSClient(conn *websocket.Conn, id domain.Identity, log *slog.Logger) *wsClient {
	return &wsClient{
		conn:     conn,
		identity: id,
		send:     make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
		log:      log,
	}
}

// Send implements session.Sink for fan-out events. It never blocks: a full
// buffer drops the event.
func (c *wsClient) Send(msg any) error {
	return c.write("event", "", msg)
}

func (c *wsClient) write(frameType, requestID string, payload any) error {
	frame := wsFrame{Type: frameType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = raw
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		return errSlowConsumer
	}
}

func (c *wsClient) ack(requestID string, result any) {
	_ = c.write("ack", requestID, ackEnvelope{Result: result})
}

func (c *wsClient) fail(requestID string, err error) {
	_ = c.write("error", requestID, errorEnvelope{Error: toErrorBody(err)})
}

// writePump owns every write to the connection. Once the client is closed
// it flushes frames already queued, such as a final error, and then closes
// the connection.
func (c *wsClient) writePump() {
	defer close(c.flushed)
	defer c.conn.Close()
	for {
		select {
		case b := <-c.send:
			if !c.writeFrame(b) {
				c.close()
				return
			}
		case <-c.done:
			for {
				select {
				case b := <-c.send:
					if !c.writeFrame(b) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *wsClient) writeFrame(b []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(b); err != nil {
		c.log.Debug("websocket write failed", "conn", c.connID, "error", err)
		return false
	}
	return true
}

// close stops the client. The write pump closes the connection.
func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ---------------------------------------------------------------------------
// Handshake and read loop
// ---------------------------------------------------------------------------

type identityKey struct{}

// wsHandler authenticates the handshake and upgrades the connection.
// Credentials are bearer tokens, not cookies, so any origin is accepted.
func (s *Server) wsHandler() http.Handler {
	srv := websocket.Server{
		Handshake: func(cfg *websocket.Config, r *http.Request) error {
			cfg.Origin, _ = websocket.Origin(cfg, r)
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			id, _ := conn.Request().Context().Value(identityKey{}).(domain.Identity)
			s.serveConn(conn, id)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authenticate(r.Context(), identity.TokenFromRequest(r))
		if err != nil {
			s.log.Debug("websocket handshake rejected", "remote", r.RemoteAddr, "reason", apperr.ReasonOf(err))
			writeError(w, err)
			return
		}
		srv.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func (s *Server) serveConn(conn *websocket.Conn, id domain.Identity) {
	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	conn.MaxPayloadBytes = s.cfg.WebSocket.MaxFrameBytes
	c := newWSClient(conn, id, s.log)
	c.connID = s.registry.Register(id, c)
	s.metrics.sessions.Inc()
	go c.writePump()
	defer s.disconnect(c)

	s.log.Info("session connected", "conn", c.connID, "subject", id.ID, "role", id.Role)
	_ = c.write("connected", "", map[string]any{
		"connId":   c.connID,
		"identity": id,
	})
	s.emitter.Emit(ctx,
		notify.NewEvent(notify.KindUserOnline, "", id).WithData(map[string]any{"connId": c.connID}),
		notify.Role(domain.RoleAdmin))

	limiter := util.NewBurstLimiter(s.cfg.WebSocket.MaxFramesPerSecond)
	decodeErrors := 0

	for {
		var data []byte
		err := websocket.Message.Receive(conn, &data)
		tooLarge := errors.Is(err, websocket.ErrFrameTooLarge)
		if err != nil && !tooLarge {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("websocket read failed", "conn", c.connID, "error", err)
			}
			return
		}

		// Oversize frames count against the limit too.
		if !limiter.Allow() {
			c.fail("", apperr.Transient(apperr.ReasonRateLimited, "rate limit exceeded", nil))
			s.log.Warn("websocket rate limit exceeded", "conn", c.connID, "subject", id.ID)
			return
		}
		if tooLarge {
			c.fail("", apperr.Validation(apperr.ReasonFrameTooLarge, "frame exceeds size limit"))
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			c.fail("", apperr.Validation(apperr.ReasonInvalidField, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		s.handleFrame(ctx, c, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *wsClient, frame wsFrame) {
	switch frame.Type {
	case "heartbeat":
		s.metrics.observeFrame(frame.Type)
		_ = c.write("heartbeat.ack", frame.RequestID, map[string]any{"at": time.Now().UTC()})
		return
	case "ping":
		s.metrics.observeFrame(frame.Type)
		_ = c.write("pong", frame.RequestID, nil)
		return
	}

	h, ok := s.frames[frame.Type]
	if !ok {
		s.metrics.observeFrame("unknown")
		c.fail(frame.RequestID, apperr.Validation(apperr.ReasonUnknownFrame, "unsupported frame type "+frame.Type))
		return
	}
	s.metrics.observeFrame(frame.Type)

	result, err := h(ctx, c, frame.Payload)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.log.Error("frame failed", "conn", c.connID, "type", frame.Type, "error", err)
		}
		c.fail(frame.RequestID, err)
		return
	}
	c.ack(frame.RequestID, result)
}

// disconnect drops every room membership and tracking marker of the
// session. Committed order state is untouched.
func (s *Server) disconnect(c *wsClient) {
	info, last, ok := s.registry.Unregister(c.connID)
	c.close()
	<-c.flushed
	if !ok {
		return
	}
	s.metrics.sessions.Dec()
	ctx := context.Background()

	if info.Tracking != nil {
		s.tracker.TrackingEnded(ctx, info.Identity, info.Tracking.OrderID, "disconnected")
	}
	for _, room := range info.Rooms {
		if orderID, ok := session.OrderIDFromRoom(room); ok {
			s.emitter.Emit(ctx, presenceEvent(notify.KindUserLeft, orderID, c), notify.Room(room))
		}
	}
	if last {
		s.emitter.Emit(ctx,
			notify.NewEvent(notify.KindUserOffline, "", info.Identity),
			notify.Role(domain.RoleAdmin))
	}
	s.log.Info("session disconnected", "conn", c.connID, "subject", info.Identity.ID, "rooms", len(info.Rooms))
}

func presenceEvent(kind notify.Kind, orderID string, c *wsClient) notify.Event {
	return notify.NewEvent(kind, orderID, c.identity).WithData(map[string]any{"connId": c.connID})
}

// ---------------------------------------------------------------------------
// Frame handlers
// ---------------------------------------------------------------------------

type frameHandler func(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error)

type orderRef struct {
	OrderID string `json:"orderId"`
}

func (r orderRef) validate() error {
	if strings.TrimSpace(r.OrderID) == "" {
		return apperr.Validation(apperr.ReasonMissingField, "orderId is required")
	}
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Validation(apperr.ReasonInvalidField, "invalid payload: "+err.Error())
	}
	return nil
}

func (s *Server) frameHandlers() map[string]frameHandler {
	return map[string]frameHandler{
		"order.join":          s.wsJoin,
		"order.leave":         s.wsLeave,
		"order.claim":         s.wsClaim,
		"order.status":        s.wsStatus,
		"delivery.confirm":    s.wsConfirmDelivery,
		"receipt.confirm":     s.wsConfirmReceipt,
		"order.cancel":        s.wsCancel,
		"location.update":     s.wsLocation,
		"tracking.start":      s.wsTrackingStart,
		"tracking.stop":       s.wsTrackingStop,
		"availability.update": s.wsAvailability,
		"users.online":        s.wsOnline,
		"room.members":        s.wsMembers,
		"message.send":        s.wsMessage,
		"typing.start":        s.wsTyping(notify.KindUserTyping),
		"typing.stop":         s.wsTyping(notify.KindUserStoppedTyping),
	}
}

func (s *Server) wsJoin(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p orderRef
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if _, err := s.engine.GetOrder(ctx, p.OrderID); err != nil {
		return nil, err
	}
	room := session.OrderRoom(p.OrderID)
	if err := s.registry.Join(c.connID, room); err != nil {
		return nil, apperr.Internal("joining room", err)
	}
	s.emitter.Emit(ctx, presenceEvent(notify.KindUserJoined, p.OrderID, c), notify.Room(room))
	return map[string]any{"room": room, "members": len(s.registry.Members(room))}, nil
}

func (s *Server) wsLeave(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p orderRef
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	room := session.OrderRoom(p.OrderID)
	left := s.registry.Leave(c.connID, room)
	if left {
		s.emitter.Emit(ctx, presenceEvent(notify.KindUserLeft, p.OrderID, c), notify.Room(room))
	}
	return map[string]any{"room": room, "left": left}, nil
}

func (s *Server) wsClaim(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p orderRef
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	out, err := s.claim(ctx, p.OrderID, c.identity)
	if err != nil {
		return nil, err
	}
	if out.Won {
		_ = s.registry.Join(c.connID, session.OrderRoom(p.OrderID))
	}
	return out, nil
}

type statusPayload struct {
	OrderID string             `json:"orderId"`
	Status  domain.OrderStatus `json:"status"`
	Note    string             `json:"note"`
}

func (s *Server) wsStatus(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p statusPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := (orderRef{p.OrderID}).validate(); err != nil {
		return nil, err
	}
	if p.Status == "" {
		return nil, apperr.Validation(apperr.ReasonMissingField, "status is required")
	}
	return s.transition(ctx, p.OrderID, c.identity, p.Status, p.Note)
}

type confirmPayload struct {
	OrderID   string `json:"orderId"`
	Code      string `json:"code"`
	Signature string `json:"signature"`
}

func (s *Server) wsConfirmDelivery(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p confirmPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := (orderRef{p.OrderID}).validate(); err != nil {
		return nil, err
	}
	return s.confirmDelivery(ctx, p.OrderID, c.identity, p.Code)
}

func (s *Server) wsConfirmReceipt(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p confirmPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := (orderRef{p.OrderID}).validate(); err != nil {
		return nil, err
	}
	return s.engine.AcknowledgeReceipt(ctx, p.OrderID, c.identity, p.Signature)
}

type cancelPayload struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

func (s *Server) wsCancel(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p cancelPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := (orderRef{p.OrderID}).validate(); err != nil {
		return nil, err
	}
	return s.cancel(ctx, p.OrderID, c.identity, p.Reason)
}

type locationPayload struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	OrderID string   `json:"orderId"`
}

func (s *Server) wsLocation(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p locationPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Lat == nil || p.Lng == nil {
		return nil, apperr.Validation(apperr.ReasonMissingField, "lat and lng are required")
	}
	pos, err := s.tracker.ReportPosition(ctx, c.identity, *p.Lat, *p.Lng, p.OrderID)
	s.metrics.observeLocation(err)
	if err != nil {
		return nil, err
	}
	return pos, nil
}

type trackingPayload struct {
	OrderID    string `json:"orderId"`
	IntervalMs int64  `json:"intervalMs"`
}

func (s *Server) wsTrackingStart(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p trackingPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	interval := time.Duration(p.IntervalMs) * time.Millisecond
	if err := s.tracker.StartTracking(ctx, c.connID, c.identity, p.OrderID, interval); err != nil {
		return nil, err
	}
	return map[string]any{"orderId": p.OrderID, "intervalMs": p.IntervalMs}, nil
}

func (s *Server) wsTrackingStop(ctx context.Context, c *wsClient, _ json.RawMessage) (any, error) {
	prev := s.tracker.StopTracking(ctx, c.connID, c.identity)
	return map[string]any{"stopped": prev != nil, "tracking": prev}, nil
}

type availabilityPayload struct {
	Available *bool `json:"available"`
}

func (s *Server) wsAvailability(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p availabilityPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Available == nil {
		return nil, apperr.Validation(apperr.ReasonMissingField, "available is required")
	}
	return s.engine.SetAvailability(ctx, c.identity, *p.Available)
}

func (s *Server) wsOnline(_ context.Context, c *wsClient, _ json.RawMessage) (any, error) {
	if c.identity.Role != domain.RoleAdmin {
		return nil, apperr.Authorization(apperr.ReasonRoleMismatch, "requires role admin")
	}
	return s.registry.Online(), nil
}

func (s *Server) wsMembers(_ context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p orderRef
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	room := session.OrderRoom(p.OrderID)
	if c.identity.Role != domain.RoleAdmin && !s.registry.InRoom(c.connID, room) {
		return nil, apperr.Authorization(apperr.ReasonNotMember, "join the order room first")
	}
	return s.registry.Members(room), nil
}

type messagePayload struct {
	OrderID string `json:"orderId"`
	Text    string `json:"text"`
}

func (s *Server) wsMessage(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
	var p messagePayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if err := (orderRef{p.OrderID}).validate(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, apperr.Validation(apperr.ReasonMissingField, "text is required")
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return nil, apperr.Validation(apperr.ReasonInvalidField, "text must be at most 500 characters")
	}
	room := session.OrderRoom(p.OrderID)
	if !s.registry.InRoom(c.connID, room) {
		return nil, apperr.Authorization(apperr.ReasonNotMember, "join the order room first")
	}
	ev := notify.NewEvent(notify.KindOrderMessage, p.OrderID, c.identity).WithData(map[string]any{"text": text})
	s.emitter.Emit(ctx, ev, notify.Room(room))
	return map[string]any{"id": ev.ID}, nil
}

// wsTyping relays a typing indicator to the rest of the order room.
func (s *Server) wsTyping(kind notify.Kind) frameHandler {
	return func(ctx context.Context, c *wsClient, payload json.RawMessage) (any, error) {
		var p orderRef
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		room := session.OrderRoom(p.OrderID)
		if !s.registry.InRoom(c.connID, room) {
			return nil, apperr.Authorization(apperr.ReasonNotMember, "join the order room first")
		}
		s.emitter.Emit(ctx, notify.NewEvent(kind, p.OrderID, c.identity).Except(c.connID), notify.Room(room))
		return nil, nil
	}
}
