package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duoview/internal/auth"
	"github.com/vovakirdan/duoview/internal/config"
	"github.com/vovakirdan/duoview/internal/proto"
	"github.com/vovakirdan/duoview/internal/store"
	"github.com/vovakirdan/duoview/internal/utils"
)

const contextKeyClaims = "claims"

// Server is the relay's HTTP surface: accounts, rooms, bootstrap
// state and the websocket hub.
type Server struct {
	log   *zerolog.Logger
	cfg   config.Config
	store store.Store
	auth  *auth.Service
	hub   *Hub
}

// New builds a relay server.
func New(cfg config.Config, logger *zerolog.Logger, st store.Store, authService *auth.Service) *Server {
	return &Server{
		log:   logger,
		cfg:   cfg,
		store: st,
		auth:  authService,
		hub:   NewHub(logger, st),
	}
}

// HTTPServer wraps the router in an http.Server with the configured
// timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
}

// Router assembles all routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(s.log))

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api")
	api.POST("/register", s.register)
	api.POST("/login", s.login)

	authed := api.Group("")
	authed.Use(AuthMiddleware(s.auth, s.log))
	authed.POST("/rooms", s.createRoom)
	authed.POST("/rooms/:id/token", s.roomToken)
	authed.GET("/rooms/:id/state", s.roomState)
	authed.GET("/rooms/:id/calls", s.roomCalls)

	r.GET("/ws", s.serveWS)
	return r
}

// ==== REST ====

// CredentialsRequest is the register/login request body.
type CredentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse carries an issued token.
type AuthResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RoomResponse describes a watch room.
type RoomResponse struct {
	ID        string `json:"id"`
	HostID    string `json:"host_id"`
	CreatedAt string `json:"created_at"`
}

// StateResponse is the bootstrap read: last known sync snapshot and
// call session for a room, either may be absent.
type StateResponse struct {
	Sync *proto.SyncState `json:"sync,omitempty"`
	Call *CallResponse    `json:"call,omitempty"`
}

// CallResponse describes one archived or active call session.
type CallResponse struct {
	ID          string `json:"id"`
	CallerID    string `json:"caller_id"`
	CalleeID    string `json:"callee_id,omitempty"`
	CallType    string `json:"call_type"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
	ConnectedAt string `json:"connected_at,omitempty"`
	EndedAt     string `json:"ended_at,omitempty"`
}

func (s *Server) register(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := s.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "user already exists"})
		case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrInvalidPassword):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		default:
			s.log.Error().Err(err).Str("username", req.Username).Msg("register failed")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	s.log.Info().Str("username", req.Username).Msg("user registered")
	c.JSON(http.StatusCreated, AuthResponse{Token: token})
}

func (s *Server) login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
			return
		}
		s.log.Error().Err(err).Str("username", req.Username).Msg("login failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token})
}

// createRoom makes the caller the room's durable host. Host identity
// lives only here; peers never negotiate it at runtime.
func (s *Server) createRoom(c *gin.Context) {
	claims := mustClaims(c)

	room, err := s.store.CreateRoom(c.Request.Context(), utils.NewID(), claims.ParticipantID)
	if err != nil {
		s.log.Error().Err(err).Msg("create room failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	s.log.Info().Str("room", room.ID).Str("host", room.HostID).Msg("room created")
	c.JSON(http.StatusCreated, roomResponse(room))
}

func (s *Server) roomToken(c *gin.Context) {
	claims := mustClaims(c)
	roomID := c.Param("id")

	token, err := s.auth.RoomToken(c.Request.Context(), claims, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
			return
		}
		s.log.Error().Err(err).Str("room", roomID).Msg("room token failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token})
}

// roomState is the late-join bootstrap read: last sync snapshot plus
// the active call session, either may be missing.
func (s *Server) roomState(c *gin.Context) {
	roomID := c.Param("id")
	var resp StateResponse

	if snapshot, err := s.store.LatestSyncState(c.Request.Context(), roomID); err == nil {
		resp.Sync = &snapshot
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Error().Err(err).Str("room", roomID).Msg("state lookup failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	if call, err := s.store.ActiveCallForRoom(c.Request.Context(), roomID); err == nil {
		cr := callResponse(call)
		resp.Call = &cr
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Error().Err(err).Str("room", roomID).Msg("active call lookup failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// roomCalls lists the room's archived call sessions, newest first.
func (s *Server) roomCalls(c *gin.Context) {
	roomID := c.Param("id")

	calls, err := s.store.ListCallsForRoom(c.Request.Context(), roomID, 50)
	if err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("call archive lookup failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	resp := make([]CallResponse, 0, len(calls))
	for _, call := range calls {
		resp = append(resp, callResponse(call))
	}
	c.JSON(http.StatusOK, resp)
}

// ==== websocket ====

// serveWS upgrades the connection and bridges it to the hub. The
// token must be room-scoped; its room claim decides where the
// connection lands.
func (s *Server) serveWS(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		// Browser websocket clients cannot set headers.
		token = c.Query("token")
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil || claims.RoomID == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "room token required"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	client := s.hub.Join(ctx, claims.RoomID, claims.ParticipantID, claims.Host)
	defer s.hub.Leave(claims.RoomID, client)

	limiter := newRateLimiter(s.cfg.MessageRateLimit)
	limiter.startReset(ctx.Done())

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.readLoop(ctx, conn, claims.RoomID, client, limiter)
	}()
	go func() {
		errCh <- s.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if st := websocket.CloseStatus(err); st != 0 {
			status = st
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			status = websocket.StatusInternalError
			reason = err.Error()
			s.log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, roomID string, client *Client, limiter *rateLimiter) error {
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if !limiter.allow() {
			s.log.Warn().Str("room", roomID).Str("client", client.ID).Msg("rate limit exceeded, envelope dropped")
			continue
		}
		s.hub.Publish(ctx, roomID, client, env)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client) error {
	for {
		select {
		case env := <-client.Send:
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ==== helpers ====

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func mustClaims(c *gin.Context) *auth.Claims {
	v, _ := c.Get(contextKeyClaims)
	claims, _ := v.(*auth.Claims)
	return claims
}

func roomResponse(r *store.Room) RoomResponse {
	return RoomResponse{
		ID:        r.ID,
		HostID:    r.HostID,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
}

func callResponse(cs *store.CallSession) CallResponse {
	resp := CallResponse{
		ID:        cs.ID,
		CallerID:  cs.CallerID,
		CalleeID:  cs.CalleeID,
		CallType:  string(cs.CallType),
		Status:    string(cs.Status),
		Reason:    cs.Reason,
		CreatedAt: cs.CreatedAt.Format(time.RFC3339),
	}
	if cs.ConnectedAt != nil {
		resp.ConnectedAt = cs.ConnectedAt.Format(time.RFC3339)
	}
	if cs.EndedAt != nil {
		resp.EndedAt = cs.EndedAt.Format(time.RFC3339)
	}
	return resp
}
