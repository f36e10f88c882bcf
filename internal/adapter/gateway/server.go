package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
	"leadflow/internal/infra/middleware"
)

// feedConn tracks one websocket subscriber on the event feed.
type feedConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan domain.Event // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// Server is the HTTP gateway: the turn endpoint, lead lookup, status API,
// and a read-only websocket event feed at /ws that mirrors the bus.
type Server struct {
	bus       domain.EventBus
	auth      Authenticator
	cfg       config.GatewayConfig
	logger    *slog.Logger
	routes    []route
	clients   sync.Map // connID (uint64) -> *feedConn
	nextID    atomic.Uint64
	httpSrv   *http.Server
	boundAddr atomic.Value // string
	unsubAll  func()
}

type route struct {
	pattern string
	handler http.Handler
}

// NewServer creates the gateway. Routes are registered with Handle before
// Start; the event feed is always mounted.
func NewServer(bus domain.EventBus, auth Authenticator, cfg config.GatewayConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bus:    bus,
		auth:   auth,
		cfg:    cfg,
		logger: logger,
	}
}

// Handle mounts a handler on the gateway mux. The pattern follows
// net/http's method-and-path form ("POST /v1/turns"). Must be called
// before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.routes = append(s.routes, route{pattern: pattern, handler: handler})
}

// RequireAuth wraps a handler with bearer-token authentication. The token
// comes from the Authorization header or, for browser clients, a token
// query parameter.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Authenticate(bearerToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves until ctx is cancelled. The bus
// subscription that feeds /ws lives for the duration of the server.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleFeed)
	for _, rt := range s.routes {
		mux.Handle(rt.pattern, rt.handler)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	var handler http.Handler = mux
	if s.cfg.RateLimit.RPS > 0 {
		limit := middleware.RateLimit(ctx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst)
		handler = limit(handler)
	}
	handler = middleware.SecurityHeaders(handler)

	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		s.clients.Range(func(_, value any) bool {
			cc := value.(*feedConn)
			select {
			case cc.sendCh <- event:
			default:
				s.logger.Warn("gateway: dropped event for slow feed client")
			}
			return true
		})
	})

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop drains the event feed and shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*feedConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the address the listener bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// FeedClients returns the number of connected event feed subscribers.
func (s *Server) FeedClients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &feedConn{
		info:   info,
		ws:     ws,
		sendCh: make(chan domain.Event, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)

	s.logger.Info("event feed client connected", "conn_id", connID, "client", info.Name)

	// The feed is write-only. CloseRead keeps control frames flowing and
	// cancels the context when the peer goes away or sends data.
	readCtx := ws.CloseRead(r.Context())
	s.writeLoop(readCtx, cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("event feed client disconnected", "conn_id", connID)
}

func (s *Server) writeLoop(ctx context.Context, cc *feedConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case event := <-cc.sendCh:
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(writeCtx, cc.ws, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
