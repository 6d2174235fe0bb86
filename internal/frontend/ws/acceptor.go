package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/nearchat/internal/config"
	"github.com/cory-johannsen/nearchat/internal/event"
)

// Dispatcher accepts decoded inbound events for ordered processing.
type Dispatcher interface {
	Submit(ctx context.Context, ev event.Inbound) error
}

// Acceptor serves websocket upgrades on an HTTP listener. Every accepted connection
// gets a fresh id, is registered with the hub, greeted with a connected event, and
// has its frames forwarded to the dispatcher. A disconnect event follows the last frame.
type Acceptor struct {
	cfg      config.GatewayConfig
	hub      *Hub
	dispatch Dispatcher
	logger   *zap.Logger
	upgrader websocket.Upgrader
	newID    func() string

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
}

// NewAcceptor creates a websocket acceptor.
//
// Precondition: hub, dispatch and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.GatewayConfig, hub *Hub, dispatch Dispatcher, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:      cfg,
		hub:      hub,
		dispatch: dispatch,
		logger:   logger,
		newID:    uuid.NewString,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

// ListenAndServe starts the HTTP listener and serves upgrades until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.ServeHTTP)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		listener.Close()
		return nil
	}
	a.listener = listener
	a.server = server
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket gateway listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket gateway: %w", err)
	}
	return nil
}

// ServeHTTP upgrades one request and runs the connection until it closes.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = ws.Close()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go a.handleConn(NewConn(a.newID(), ws, a.cfg))
}

// handleConn runs a single connection's pumps.
func (a *Acceptor) handleConn(conn *Conn) {
	defer a.wg.Done()
	start := time.Now()
	id := conn.ID()

	a.logger.Info("client connected",
		zap.String("conn_id", id),
		zap.String("remote_addr", conn.RemoteAddr()),
	)

	a.hub.Register(conn)
	if a.isStopped() {
		// Stop already swept the hub; this connection missed it.
		a.hub.Unregister(id)
	}
	a.hub.SendTo(id, event.Connected, event.ConnectedPayload{ID: id})

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := conn.WriteLoop(); err != nil {
			a.logger.Debug("write loop ended", zap.String("conn_id", id), zap.Error(err))
			conn.Abort()
		}
	}()

	ctx := context.Background()
	err := conn.ReadLoop(func(frame []byte) {
		in, err := DecodeInbound(id, frame)
		if err != nil {
			a.logger.Debug("discarding frame", zap.String("conn_id", id), zap.Error(err))
			return
		}
		if err := a.dispatch.Submit(ctx, in); err != nil {
			a.logger.Warn("dispatch rejected event",
				zap.String("conn_id", id),
				zap.String("event", string(in.Name)),
				zap.Error(err),
			)
		}
	})

	a.hub.Unregister(id)
	<-writeDone

	if err := a.dispatch.Submit(ctx, event.Inbound{ConnID: id, Name: event.Disconnect}); err != nil {
		a.logger.Warn("dispatching disconnect", zap.String("conn_id", id), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("conn_id", id),
		zap.Duration("duration", time.Since(start)),
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.logger.Info("client disconnected cleanly", fields...)
	} else {
		a.logger.Info("client disconnected", append(fields, zap.Error(err))...)
	}
}

// Stop closes the listener, closes every live connection and waits for their
// disconnect events to be dispatched.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.running = false
	server := a.server
	a.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
	}
	a.hub.CloseAll()
	a.wg.Wait()
	a.logger.Info("websocket gateway stopped")
}

// Addr returns the listener's address, or an empty string if not listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *Acceptor) isStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// IsRunning reports whether the acceptor is serving.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// checkOrigin accepts requests without an Origin header (non-browser clients) and
// browser requests whose Origin is listed. An empty list accepts everything.
func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
