package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"board-stream/domain"
	"board-stream/gateway"
	"board-stream/session"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

type Sessions interface {
	Register(identity string, conn session.Conn) (string, error)
	Unregister(id string) (identity string, last bool, ok bool)
	SessionsOf(identity string) []*session.Session
	AllIdentities() []string
	Count() int
}

type Rooms interface {
	Join(identity, boardID string) bool
	Leave(identity, boardID string) bool
	Rooms() int
}

type Liveness interface {
	Pong(sessionID string) bool
}

type Authenticator interface {
	IdentityFromToken(token string) (string, error)
}

type MutationHandler interface {
	Handle(ctx context.Context, m gateway.Mutation) (gateway.Result, error)
}

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Sessions     Sessions
	Rooms        Rooms
	Liveness     Liveness
	Auth         Authenticator
	Gateway      MutationHandler
	Reconcile    gateway.ReconcileQueue
	GatewayToken string
	MaxBodyBytes int
	Logger       *log.Logger
}

type server struct {
	Deps
	upgrader websocket.Upgrader
}

// Register wires up the websocket, internal gateway and health routes on the
// given Echo instance.
func Register(e *echo.Echo, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = postMutationMaxSize
	}
	s := &server{
		Deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e.GET("/ws", s.handleWS)
	e.GET("/healthz", s.healthz)

	internal := e.Group("/internal", s.requireGatewayToken, s.decompress)
	internal.POST("/mutations", s.postMutation)
	internal.POST("/reconcile", s.postReconcile)
}

func (s *server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Sessions:   s.Sessions.Count(),
		Identities: len(s.Sessions.AllIdentities()),
		Rooms:      s.Rooms.Rooms(),
	})
}

func (s *server) requireGatewayToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !sharedTokenMatches(c.Request().Header.Get(echo.HeaderAuthorization), s.GatewayToken) {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		}
		return next(c)
	}
}

func decodeBody(c echo.Context, limit int, v any) error {
	lr := io.LimitReader(c.Request().Body, int64(limit)+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return err
	}
	if len(data) > limit {
		return errBodyTooLarge
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

var errBodyTooLarge = errors.New("body too large")

func (s *server) postMutation(c echo.Context) error {
	var m gateway.Mutation
	if err := decodeBody(c, s.MaxBodyBytes, &m); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	res, err := s.Gateway.Handle(c.Request().Context(), m)
	if err != nil {
		return c.JSON(gateway.StatusFor(err), errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

func (s *server) postReconcile(c echo.Context) error {
	var req reconcileRequest
	if err := decodeBody(c, s.MaxBodyBytes, &req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	if err := req.Container.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if req.Reason == "" {
		req.Reason = "requested"
	}
	job := domain.ReconcileJob{Container: req.Container, Reason: req.Reason, EnqueuedAt: time.Now().UTC()}
	if err := s.Reconcile.Enqueue(c.Request().Context(), job); err != nil {
		s.Logger.WithError(err).WithField("container", req.Container.Key()).Error("unable to enqueue reconciliation")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "reconcile queue unavailable"})
	}
	return c.NoContent(http.StatusAccepted)
}

// handleWS upgrades the request, authenticates the token and serves the
// session until the peer goes away.
func (s *server) handleWS(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.Logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}

	token := c.QueryParam("token")
	if token == "" {
		if t, err := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization)); err == nil {
			token = t
		}
	}
	if token == "" {
		closeHandshake(ws, closeReasonNoToken)
		return nil
	}
	identity, err := s.Auth.IdentityFromToken(token)
	if err != nil {
		s.Logger.WithError(err).Info("websocket authentication failed")
		closeHandshake(ws, closeReasonAuthFailed)
		return nil
	}

	conn := newWSConn(ws, s.Logger)
	id, err := s.Sessions.Register(identity, conn)
	if err != nil {
		conn.Close(websocket.ClosePolicyViolation, closeReasonAuthFailed)
		return nil
	}
	fields := log.Fields{"session": id, "identity": identity}
	s.Logger.WithFields(fields).Info("websocket connected")

	ws.SetReadLimit(clientMessageMaxSize)
	ws.SetPongHandler(func(string) error {
		s.Liveness.Pong(id)
		return nil
	})
	s.send(conn, connectedMessage{Type: msgConnected, Message: welcomeText})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Logger.WithFields(fields).WithError(err).Debug("websocket read failed")
			}
			break
		}
		s.handleClientMessage(identity, conn, data)
	}

	conn.Close(websocket.CloseNormalClosure, "")
	// Unregistering fires the registry's identity hook, which evicts the
	// identity from its rooms once no session is left.
	s.Sessions.Unregister(id)
	s.Logger.WithFields(fields).Info("websocket disconnected")
	return nil
}

func (s *server) handleClientMessage(identity string, conn session.Conn, data []byte) {
	var msg clientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		s.send(conn, errorMessage{Type: msgError, Message: "invalid message"})
		return
	}
	switch msg.Type {
	case msgJoinBoard:
		if msg.BoardID == "" {
			s.send(conn, errorMessage{Type: msgError, Message: "boardId is required"})
			return
		}
		s.Rooms.Join(identity, msg.BoardID)
		s.sendToIdentity(identity, boardMessage{Type: msgBoardJoined, BoardID: msg.BoardID})
	case msgLeaveBoard:
		if msg.BoardID == "" {
			s.send(conn, errorMessage{Type: msgError, Message: "boardId is required"})
			return
		}
		s.Rooms.Leave(identity, msg.BoardID)
		s.sendToIdentity(identity, boardMessage{Type: msgBoardLeft, BoardID: msg.BoardID})
	case msgPing:
		s.send(conn, pongMessage{Type: msgPong})
	default:
		s.Logger.WithField("type", msg.Type).Debug("unknown client message type")
		s.send(conn, errorMessage{Type: msgError, Message: "unknown message type"})
	}
}

func (s *server) send(conn session.Conn, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.Logger.WithError(err).Error("marshal websocket message")
		return
	}
	if err := conn.Send(data); err != nil {
		s.Logger.WithError(err).Debug("websocket send failed")
	}
}

// sendToIdentity delivers v to every session of identity.
func (s *server) sendToIdentity(identity string, v any) {
	for _, sess := range s.Sessions.SessionsOf(identity) {
		s.send(sess.Conn, v)
	}
}
