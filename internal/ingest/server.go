// Package ingest terminates client connections that speak the framed
// PackMessage protocol and turns everything they send, plus every
// connection lifecycle transition, into entries of one event queue.
package ingest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fabric/internal/obs"
	"fabric/internal/pack"
	"fabric/pkg/exception"
	"fabric/pkg/uds"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"

	DefaultApp = "ingestd"
)

// Publisher receives every message and synthesized event. *bus.Queue
// satisfies it.
type Publisher interface {
	Publish(connID uint64, msg pack.Message) error
}

// Authenticator checks the credential of a login. A non-nil error rejects
// the login: the message is still queued but the connection stays
// anonymous.
type Authenticator func(login pack.Login) error

// Config tunes a Server. Zero values select defaults.
type Config struct {
	// Network is "tcp" (default) or "unix". For "unix" the start address
	// is the socket path and the port is ignored.
	Network string
	// App is the application name stamped on synthesized events.
	App string
	// MaxMessageSize bounds every frame payload.
	MaxMessageSize int
	// WriteTimeout bounds one Send. Zero disables it.
	WriteTimeout time.Duration
	// IdleTimeout closes a connection that sends nothing for this long.
	IdleTimeout time.Duration
}

type Option func(*Server)

func WithAuthenticator(fn Authenticator) Option {
	return func(s *Server) {
		s.auth = fn
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRegistry lets the owner keep the registry across server restarts.
func WithRegistry(r *Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.registry = r
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server accepts connections and feeds the event queue.
type Server struct {
	cfg        Config
	maxPayload int
	events     Publisher
	registry   *Registry
	auth       Authenticator
	metrics    *obs.Metrics
	now        func() time.Time

	// lifecycle serializes Start and Stop; mu guards ln and stopWatch.
	lifecycle sync.Mutex
	mu        sync.Mutex
	ln        net.Listener
	stopWatch func() bool
	stopping  atomic.Bool
	wg        sync.WaitGroup
	nextID    atomic.Uint64
}

// NewServer validates cfg and builds a stopped server publishing to events.
func NewServer(cfg Config, events Publisher, opts ...Option) (*Server, error) {
	if events == nil {
		return nil, exception.ErrIngestNilQueue
	}
	network, err := normalizeNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.Network = network
	if cfg.App == "" {
		cfg.App = DefaultApp
	}
	maxPayload, err := pack.NormalizeMaxPayload(cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}
	cfg.MaxMessageSize = maxPayload

	s := &Server{
		cfg:        cfg,
		maxPayload: maxPayload,
		events:     events,
		registry:   NewRegistry(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func normalizeNetwork(network string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", NetworkTCP:
		return NetworkTCP, nil
	case "tcp4":
		return "tcp4", nil
	case "tcp6":
		return "tcp6", nil
	case NetworkUnix:
		return NetworkUnix, nil
	default:
		return "", exception.ErrIngestUnknownNetwork
	}
}

// Start begins listening and returns once the listener is ready or has
// failed. Either outcome enqueues one event. Cancelling ctx stops the
// server.
func (s *Server) Start(ctx context.Context, address string, port int) error {
	if s == nil {
		return exception.ErrNilInstance
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return exception.ErrIngestAlreadyStarted
	}

	target := s.target(address, port)
	ln, err := s.listen(ctx, target)
	if err != nil {
		s.emit(0, pack.LevelError, "", fmt.Sprintf("start %s listener on %s failed: %v", s.cfg.Network, target, err))
		return errors.Wrap(err, "listen "+s.cfg.Network).With("address", target)
	}

	s.ln = ln
	s.stopping.Store(false)
	s.emit(0, pack.LevelInfo, "", fmt.Sprintf("%s listening on %s %s", s.cfg.App, s.cfg.Network, ln.Addr()))
	logs.Infof("ingest listening on %s %s", s.cfg.Network, ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln)

	if ctx != nil && ctx.Done() != nil {
		s.stopWatch = context.AfterFunc(ctx, func() {
			_ = s.Stop()
		})
	}
	return nil
}

func (s *Server) target(address string, port int) string {
	if s.cfg.Network == NetworkUnix {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func (s *Server) listen(ctx context.Context, target string) (net.Listener, error) {
	if s.cfg.Network == NetworkUnix {
		return uds.Listen(target)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, s.cfg.Network, target)
}

// Stop closes the listener and every live connection and waits for their
// handlers to finish. The event queue and whatever the owner keeps in the
// registry are left alone. A Start racing with Stop waits for it to finish.
func (s *Server) Stop() error {
	if s == nil {
		return exception.ErrNilInstance
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		s.mu.Unlock()
		return exception.ErrIngestNotStarted
	}
	s.ln = nil
	s.stopping.Store(true)
	stopWatch := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}

	err := ln.Close()
	for _, conn := range s.registry.conns() {
		_ = conn.Close()
	}
	s.wg.Wait()

	s.emit(0, pack.LevelInfo, "", fmt.Sprintf("%s stopped", s.cfg.App))
	logs.Info("ingest stopped")
	if err != nil {
		return errors.Wrap(err, "close listener")
	}
	return nil
}

// Send encodes msg and writes it to connection id as one frame.
func (s *Server) Send(id ConnID, msg pack.Message) error {
	if s == nil {
		return exception.ErrNilInstance
	}
	payload, err := pack.Encode(msg)
	if err != nil {
		s.sendFailed(id, 0, err)
		return err
	}
	return s.SendRaw(id, payload)
}

// SendRaw frames payload and writes it to connection id. A failure enqueues
// one error event carrying the OS errno and the error text.
func (s *Server) SendRaw(id ConnID, payload []byte) error {
	if s == nil {
		return exception.ErrNilInstance
	}
	e, ok := s.registry.lookup(id)
	if !ok {
		s.sendFailed(id, len(payload), exception.ErrIngestUnknownConn)
		return exception.ErrIngestUnknownConn
	}
	frame, err := pack.AppendFrame(make([]byte, 0, pack.FrameHeaderSize+len(payload)), payload, s.maxPayload)
	if err != nil {
		s.sendFailed(id, len(payload), err)
		return err
	}

	e.writeMu.Lock()
	if s.cfg.WriteTimeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err = e.conn.Write(frame)
	e.writeMu.Unlock()
	if err != nil {
		s.sendFailed(id, len(payload), err)
		return errors.Wrap(err, "send").With("conn", uint64(id))
	}
	return nil
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Registry exposes the connection registry owned by the server.
func (s *Server) Registry() *Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.cfg
}

// emit enqueues a synthesized event log.
func (s *Server) emit(id ConnID, level pack.Level, account, description string) {
	s.metrics.EventSynthesized(level)
	s.publish(id, pack.NewEventLog(level, s.cfg.App, account, description, s.now()))
}

func (s *Server) publish(id ConnID, msg pack.Message) {
	if err := s.events.Publish(uint64(id), msg); err != nil {
		s.metrics.PublishFailed()
	}
}
