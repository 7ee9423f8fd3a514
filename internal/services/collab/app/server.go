// Package server hosts the real-time document sync service: rooms, the room
// registry and the websocket gateway that attaches connections to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
	platformgrpc "github.com/louisbranch/fracturing-collab/internal/platform/grpc"
	"github.com/louisbranch/fracturing-collab/internal/platform/timeouts"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/document"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/storage"
)

const (
	tokenCookieName = "fs_token"

	// HealthService is the gRPC health service name reported by the server.
	HealthService = "collab.v1.SyncService"

	defaultIdleTimeout        = 60 * time.Second
	defaultRoomGracePeriod    = 30 * time.Second
	defaultMaxOutboundFrames  = 256
	defaultMaxFrameBytes      = 1 << 20
	defaultMaxFramesPerSecond = 200
	defaultMaxLogFragments    = 1000

	maxDecodeErrorsPerConn = 3
	writeTimeout           = 10 * time.Second
)

// Config defines the inputs for the sync service.
type Config struct {
	HTTPAddr string
	// HealthAddr enables the gRPC health server when set.
	HealthAddr string

	IdleTimeout         time.Duration
	RoomGracePeriod     time.Duration
	MaxOutboundFrames   int
	MaxFrameBytes       int
	MaxFramesPerSecond  int
	MaxLogFragments     int
	MaxPendingFragments int
	// SnapshotInterval controls periodic flushes of live rooms; zero disables
	// them and snapshots are only written on eviction and shutdown.
	SnapshotInterval time.Duration
	AllowedOrigins   []string

	Grant          GrantConfig
	AllowAnonymous bool

	// Store seeds rooms and receives their snapshots. Nil disables
	// persistence.
	Store storage.SnapshotStore

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.RoomGracePeriod < 0 {
		c.RoomGracePeriod = defaultRoomGracePeriod
	}
	if c.MaxOutboundFrames <= 0 {
		c.MaxOutboundFrames = defaultMaxOutboundFrames
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.MaxFramesPerSecond <= 0 {
		c.MaxFramesPerSecond = defaultMaxFramesPerSecond
	}
	if c.MaxLogFragments <= 0 {
		c.MaxLogFragments = defaultMaxLogFragments
	}
	if c.MaxPendingFragments <= 0 {
		c.MaxPendingFragments = document.DefaultPendingLimit
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
}

// Server hosts the sync HTTP/WebSocket process.
type Server struct {
	httpAddr         string
	shutdownTimeout  time.Duration
	snapshotInterval time.Duration
	httpServer       *http.Server
	registry         *registry
	health           *platformgrpc.HealthServer
	closeOnce        sync.Once
}

// NewServer builds a configured sync server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	config.applyDefaults()

	auth, err := newAuthorizer(config)
	if err != nil {
		return nil, err
	}

	var health *platformgrpc.HealthServer
	if addr := strings.TrimSpace(config.HealthAddr); addr != "" {
		health, err = platformgrpc.NewHealthServer(addr, HealthService)
		if err != nil {
			return nil, fmt.Errorf("start health server: %w", err)
		}
	}

	metrics := newInstruments(nil)
	reg := newRegistry(config.Store, roomConfig{
		gracePeriod:     config.RoomGracePeriod,
		maxLogFragments: config.MaxLogFragments,
		maxPending:      config.MaxPendingFragments,
	}, metrics)
	gw := &gateway{
		config: gatewayConfig{
			idleTimeout:        config.IdleTimeout,
			maxFrameBytes:      config.MaxFrameBytes,
			maxOutboundFrames:  config.MaxOutboundFrames,
			maxFramesPerSecond: config.MaxFramesPerSecond,
			allowedOrigins:     config.AllowedOrigins,
		},
		registry: reg,
		auth:     auth,
		metrics:  metrics,
	}

	return &Server{
		httpAddr:         httpAddr,
		shutdownTimeout:  config.ShutdownTimeout,
		snapshotInterval: config.SnapshotInterval,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           newHandler(gw),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		registry: reg,
		health:   health,
	}, nil
}

func newAuthorizer(config Config) (authorizer, error) {
	if config.Grant.configured() {
		auth, err := newGrantAuthorizer(config.Grant, time.Now)
		if err != nil {
			return nil, fmt.Errorf("configure grant authorizer: %w", err)
		}
		return auth, nil
	}
	if config.AllowAnonymous {
		log.Printf("collab: no grant key configured, admitting anonymous connections")
		return anonymousAuthorizer{}, nil
	}
	return nil, errors.New("grant public key is required unless anonymous access is allowed")
}

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init collab server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve collab: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, the optional health server and the
// snapshot flusher until the context ends, then disconnects every session
// and flushes every room.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("collab server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		s.registry.runFlusher(runCtx, s.snapshotInterval)
	}()
	if s.health != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := s.health.Serve(runCtx); err != nil {
				log.Printf("collab: health server: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	log.Printf("collab server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	var result error
	select {
	case <-ctx.Done():
		s.health.SetServing(false)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.shutdownTimeout)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			result = fmt.Errorf("shutdown http server: %w", err)
		}
		cancelShutdown()
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = fmt.Errorf("serve http: %w", err)
		}
	}

	cancel()
	background.Wait()
	if err := s.drain(); err != nil && result == nil {
		result = err
	}
	return result
}

// drain closes every session and writes a final snapshot of every room.
func (s *Server) drain() error {
	s.registry.disconnectAll(apperrors.ErrRoomClosed)
	flushCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.registry.flushAll(flushCtx); err != nil {
		return fmt.Errorf("flush snapshots: %w", err)
	}
	return nil
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.health != nil {
			s.health.Close()
		}
		if err := s.httpServer.Close(); err != nil {
			log.Printf("collab: close http server: %v", err)
		}
	})
}
