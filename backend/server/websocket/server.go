package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/adwski/syncparty/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	anyOrigin = "*"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SessionService interface {
		Serve(ctx context.Context, wire *model.Wire, sessionToken string)
	}

	Config struct {
		Logger         *zerolog.Logger
		SessionService SessionService
		ListenAddr     string
		// AllowedOrigins lists browser origins allowed to connect. "*" allows any.
		AllowedOrigins []string
	}

	Server struct {
		svc SessionService
		ws  *websocket.Upgrader
		*http.Server

		// connCtx outlives requests, hijacked connections are bound to it.
		connCtx    context.Context
		connCancel context.CancelFunc

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SessionService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
	}
	srv.connCtx, srv.connCancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.session)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.connCancel()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		// Shutdown does not track hijacked connections
		srv.connCancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if slices.Contains(allowed, anyOrigin) {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients do not send Origin
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func (srv *Server) session(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an error status
		srv.logger.Debug().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	wire := model.NewWire()
	srv.logger.Debug().
		Str("connID", wire.ID()).
		Str("remote", r.RemoteAddr).
		Msg("websocket session created")

	go srv.handleWSConn(conn, wire, r.URL.Query().Get("token"))
}

func (srv *Server) handleWSConn(conn *websocket.Conn, wire *model.Wire, sessionToken string) {
	ctx, cancel := context.WithCancel(srv.connCtx)
	defer cancel()

	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", wire.ID()).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire, &logger)
		cancel()
	}()

	srv.svc.Serve(ctx, wire, sessionToken)

	cancel()
	wire.Close()
	webSocketCloser(conn, &logger)
	wg.Wait()
	logger.Debug().Msg("websocket session ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	wire *model.Wire,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-wire.Done():
			logger.Debug().Msg("wire closed")
			break SendLoop
		case <-pingTicker.C:
			if err := writeFrame(conn, websocket.PingMessage, nil); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")
		case msg := <-wire.TX:
			b, err := json.Marshal(&msg)
			if err != nil {
				logger.Error().Err(err).Str("type", msg.Type).Msg("failed to marshall outgoing message")
				continue
			}
			if err = writeFrame(conn, websocket.TextMessage, b); err != nil {
				logger.Error().Err(err).Str("type", msg.Type).Msg("failed to write outgoing message")
				break SendLoop
			}
			logger.Trace().Str("type", msg.Type).Msg("message sent")
		}
	}
}

func writeFrame(conn *websocket.Conn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return conn.WriteMessage(messageType, data)
}

// webSocketReceiver forwards inbound frames to rx and closes rx when it stops reading.
func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- []byte,
	logger *zerolog.Logger,
) {
	defer func() {
		close(rx)
		wg.Done()
	}()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				switch {
				case ctx.Err() != nil:
				case websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway):
					logger.Debug().Err(wsErr).Msg("connection closed")
				default:
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if err = readDeadLineFunc(defaultPongWait); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket read deadline")
				break RecvLoop
			}

			select {
			case rx <- msg:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

// webSocketCloser may run concurrently with the pumps: WriteControl and Close are safe for that.
func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline),
	)
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close message")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
