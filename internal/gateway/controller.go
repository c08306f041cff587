// Package gateway runs the client-facing WebSocket channels: it authenticates
// connections, registers them for fanout, keeps presence in step with socket
// counts and dispatches client events.
package gateway

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/internal/calls"
	"github.com/nmxmxh/ultrachat-gateway/internal/presence"
	"github.com/nmxmxh/ultrachat-gateway/internal/router"
	"github.com/nmxmxh/ultrachat-gateway/pkg/auth"
	"github.com/nmxmxh/ultrachat-gateway/pkg/bus"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
	"github.com/nmxmxh/ultrachat-gateway/pkg/logger"
	"github.com/nmxmxh/ultrachat-gateway/pkg/metrics"
	"github.com/nmxmxh/ultrachat-gateway/pkg/ws"
)

// Channel names a client namespace.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelCalls Channel = "calls"
)

// Options tunes a controller.
type Options struct {
	Channel         Channel
	AuthGracePeriod time.Duration
	RequestTimeout  time.Duration
	QueueDepth      int
	AllowedOrigins  []string
}

// Deps are the collaborators of a controller. Presence, Requester and Publisher
// are used by the chat channel, Calls by the calls channel.
type Deps struct {
	Router    *router.Router
	Auth      auth.Authenticator
	Presence  *presence.Store
	Requester bus.Requester
	Publisher bus.Publisher
	Calls     *calls.Service
}

// Controller owns the lifecycle of every connection on one channel.
type Controller struct {
	opts     Options
	deps     Deps
	upgrader *websocket.Upgrader
	log      *zap.Logger
	now      func() time.Time
}

// session is the state of one authenticated connection. It is only touched by
// the connection's read goroutine.
type session struct {
	connID  string
	userID  string
	client  *ws.Client
	log     *zap.Logger
	tracked bool // socket recorded in the presence store
}

// New creates a controller for opts.Channel.
func New(opts Options, deps Deps, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.AuthGracePeriod <= 0 {
		opts.AuthGracePeriod = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = bus.DefaultRequestTimeout
	}
	log = log.With(zap.String("module", "gateway"), zap.String("channel", string(opts.Channel)))
	return &Controller{
		opts:     opts,
		deps:     deps,
		upgrader: ws.NewUpgrader(opts.AllowedOrigins, log),
		log:      log,
		now:      time.Now,
	}
}

// Router returns the room router of the channel.
func (c *Controller) Router() *router.Router {
	return c.deps.Router
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handshakeToken := auth.TokenFromRequest(r)
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.RejectedConnections.WithLabelValues(string(c.opts.Channel), "upgrade").Inc()
		c.log.Info("WebSocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	log := c.log.With(zap.String("connection_id", connID))
	client := ws.NewClient(connID, conn, c.opts.QueueDepth, log)

	id, err := c.authenticate(client, handshakeToken)
	if err != nil {
		metrics.RejectedConnections.WithLabelValues(string(c.opts.Channel), errors.Code(err)).Inc()
		log.Info("Connection rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		client.Close(websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	s := &session{
		connID: connID,
		userID: id.UserID,
		client: client,
		log:    log.With(zap.String("user_id", id.UserID)),
	}
	if err := c.activate(s); err != nil {
		client.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	metrics.ActiveConnections.WithLabelValues(string(c.opts.Channel)).Inc()
	s.log.Info("Client connected", zap.String("remote", r.RemoteAddr))

	client.ReadLoop(func(frame []byte) { c.handleFrame(s, frame) })

	client.Close(websocket.CloseNormalClosure, "")
	c.disconnect(s)
	metrics.ActiveConnections.WithLabelValues(string(c.opts.Channel)).Dec()
	s.log.Info("Client disconnected")
}

// authenticate resolves the connection's token. An auth frame is awaited for the
// grace period only when the handshake carried no bearer header or query token.
func (c *Controller) authenticate(client *ws.Client, token string) (*auth.Identity, error) {
	if token == "" {
		frame, err := client.ReadFrame(c.opts.AuthGracePeriod)
		if err != nil {
			return nil, errors.Mark(err, errors.ErrUnauthenticated)
		}
		msg, err := ws.DecodeClientMessage(frame)
		if err != nil || msg.Event != ws.EventAuth {
			return nil, errors.Wrap(errors.ErrUnauthenticated, "first frame must be auth")
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(msg.Data, &body); err != nil {
			return nil, errors.Mark(err, errors.ErrUnauthenticated)
		}
		token = body.Token
	}

	ctx, cancel := c.opCtx()
	defer cancel()
	return c.deps.Auth.Validate(ctx, token)
}

// activate runs the connect sequence. Only registry failures are fatal.
func (c *Controller) activate(s *session) error {
	reg := c.deps.Router.Registry()
	if err := reg.Register(s.connID, s.userID, s.client); err != nil {
		return errors.LogWithError(context.Background(), s.log, "Failed to register connection", err)
	}

	firstSocket := c.trackSocket(s)

	if err := c.deps.Router.Join(s.connID, router.UserRoom(s.userID)); err != nil {
		c.releaseSocket(s)
		reg.Unregister(s.connID)
		return errors.LogWithError(context.Background(), s.log, "Failed to join personal room", err)
	}

	if c.opts.Channel != ChannelChat {
		return nil
	}
	for _, chatID := range c.fetchChats(s) {
		if err := c.deps.Router.Join(s.connID, router.ChatRoom(chatID)); err != nil {
			s.log.Warn("Failed to join chat room", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	if firstSocket {
		c.broadcastPresence(s.userID, presence.StatusOnline)
	}
	return nil
}

// trackSocket records the socket and marks the user online. It reports whether
// this socket took the user from zero sockets to one. Store errors are logged
// and presence is left alone.
func (c *Controller) trackSocket(s *session) bool {
	if c.opts.Channel != ChannelChat || c.deps.Presence == nil {
		return false
	}
	ctx, cancel := c.opCtx()
	defer cancel()

	count, err := c.deps.Presence.AddSocket(ctx, s.userID, s.connID)
	if err != nil {
		s.log.Warn("Presence unavailable, skipping online transition", zap.Error(err))
		return false
	}
	s.tracked = true
	if err := c.deps.Presence.SetOnline(ctx, s.userID); err != nil {
		s.log.Warn("Failed to set online", zap.Error(err))
	}
	return count == 1
}

// releaseSocket removes the socket and reports whether the user has no sockets
// left anywhere. The socket that emptied the set owns the offline transition.
// When the set vanished from the store while the user stayed connected, the
// user's last local connection owns it instead.
func (c *Controller) releaseSocket(s *session) bool {
	if !s.tracked {
		return false
	}
	ctx, cancel := c.opCtx()
	defer cancel()

	remaining, removed, err := c.deps.Presence.RemoveSocket(ctx, s.userID, s.connID)
	if err != nil {
		s.log.Warn("Presence unavailable, skipping offline transition", zap.Error(err))
		return false
	}
	s.tracked = false
	if remaining > 0 {
		return false
	}
	if removed {
		return true
	}
	local := c.deps.Router.Registry().SocketsForUser(s.userID)
	if len(local) == 1 && local[0] == s.connID {
		s.log.Warn("Socket set missing from presence store, going offline from last local connection")
		return true
	}
	return false
}

func (c *Controller) fetchChats(s *session) []string {
	if c.deps.Requester == nil {
		return nil
	}
	ctx, cancel := c.opCtx()
	defer cancel()

	var chats []struct {
		ID    string `json:"id"`
		DocID string `json:"_id"`
	}
	if err := c.deps.Requester.Request(ctx, bus.SubjectChatList, map[string]string{"userId": s.userID}, &chats); err != nil {
		s.log.Warn("Failed to fetch chat memberships, joining no chats", zap.Error(err))
		return nil
	}
	ids := make([]string, 0, len(chats))
	for _, ch := range chats {
		switch {
		case ch.ID != "":
			ids = append(ids, ch.ID)
		case ch.DocID != "":
			ids = append(ids, ch.DocID)
		}
	}
	return ids
}

// disconnect runs the teardown sequence.
func (c *Controller) disconnect(s *session) {
	if c.releaseSocket(s) {
		ctx, cancel := c.opCtx()
		if err := c.deps.Presence.SetOffline(ctx, s.userID); err != nil {
			s.log.Warn("Failed to set offline", zap.Error(err))
		}
		cancel()
		c.broadcastPresence(s.userID, presence.StatusOffline)
	}
	c.deps.Router.Registry().Unregister(s.connID)
}

// BroadcastPresence tells every connection on the channel that userID changed status.
func (c *Controller) BroadcastPresence(userID string, status presence.Status) int {
	return c.broadcastPresence(userID, status)
}

func (c *Controller) broadcastPresence(userID string, status presence.Status) int {
	metrics.PresenceTransitions.WithLabelValues(string(status)).Inc()
	return c.deps.Router.BroadcastToAll(presence.EventUpdate, presence.NewUpdate(userID, status, c.now()))
}

// handleFrame decodes and dispatches one client frame. Failures are reported to
// the client and never close the connection.
func (c *Controller) handleFrame(s *session, frame []byte) {
	msg, err := ws.DecodeClientMessage(frame)
	if err != nil {
		c.reply(s, "", "unknown", nil, errors.Mark(err, errors.ErrMalformedPayload))
		return
	}
	if msg.Event == ws.EventAuth {
		// Late auth frames from clients that also sent a header token.
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Handler panic",
				zap.String("event", msg.Event),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			c.reply(s, msg.AckID, msg.Event, nil, errors.New("handler panic"))
		}
	}()

	in, err := decodeInbound(c.opts.Channel, msg)
	if err != nil {
		c.reply(s, msg.AckID, msg.Event, nil, err)
		return
	}

	ctx, cancel := c.opCtx()
	defer cancel()
	ctx = context.WithValue(ctx, errors.ConnectionIDKey, s.connID)
	ctx = logger.WithContext(ctx, s.log)

	result, err := c.dispatch(ctx, s, in)
	c.reply(s, msg.AckID, msg.Event, result, err)
}

// alwaysAcked lists events whose result the client needs whether or not it
// asked for an ack.
var alwaysAcked = map[string]bool{
	EventCallInitiate: true,
}

// reply sends the ack or error frame for a handled event. Successful events
// without an ackId get no frame unless listed in alwaysAcked.
func (c *Controller) reply(s *session, ackID, event string, result any, err error) {
	res := metrics.ResultOK
	var frame []byte
	var encErr error
	switch {
	case err != nil:
		res = metrics.ResultError
		if errors.Is(err, errors.ErrRequestTimeout) {
			res = metrics.ResultTimeout
		}
		s.log.Info("Client event rejected", zap.String("event", event), zap.Error(err))
		frame, encErr = ws.EncodeError(ackID, errors.Code(err), err.Error())
	case ackID != "" || alwaysAcked[event]:
		if result == nil {
			result = map[string]bool{"success": true}
		}
		frame, encErr = ws.EncodeAck(ackID, result)
	}
	if _, ok := knownEvents[event]; !ok {
		event = "unknown"
	}
	metrics.InboundEvents.WithLabelValues(string(c.opts.Channel), event, res).Inc()

	if encErr != nil {
		s.log.Error("Failed to encode reply", zap.Error(encErr))
		return
	}
	if frame != nil {
		c.deps.Router.SendFrame(s.connID, frame)
	}
}

// opCtx bounds one bus or store operation. It is not tied to the connection, so
// work started before a disconnect runs to completion.
func (c *Controller) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.opts.RequestTimeout)
}
