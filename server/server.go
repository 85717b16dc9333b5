package server

import (
	"context"
	"net"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/s00inx/dispatchd/internal"
	"github.com/s00inx/dispatchd/server/engine"
	"github.com/s00inx/dispatchd/server/protocol"
)

// New(cfg, opts...)  - server w defaults applied, nothing is bound yet
// Run(ctx)           - size the pool, listen, serve until shutdown
// Serve(ctx, ln)     - same on a listener you already have
// Shutdown()         - stop accepting, drain workers, close the listener

const (
	DefaultPort         = 1234
	DefaultDrainTimeout = 5 * time.Second
	DefaultMaxBodySize  = 64 << 20
)

// Config holds every knob, zero values take the defaults.
type Config struct {
	Host string
	Port int

	// Parallelism is the number of execution units, one goes to accepting.
	// 0 means GOMAXPROCS.
	Parallelism   int
	QueueCapacity int
	Backlog       int

	ChunkSize     int
	AcceptTimeout time.Duration
	// IOTimeout bounds each protocol wait, protocol.NoTimeout waits forever
	IOTimeout    time.Duration
	DrainTimeout time.Duration
	MaxSessions  int
	MaxBodySize  uint64
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.QueueCapacity < 1 {
		c.QueueCapacity = engine.DefaultQueueCapacity
	}
	if c.Backlog < 1 {
		c.Backlog = internal.Backlog
	}
	if c.ChunkSize < 1 {
		c.ChunkSize = engine.DefaultChunkSize
	}
	if c.AcceptTimeout == 0 {
		c.AcceptTimeout = engine.DefaultAcceptTimeout
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = protocol.NoTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	return c
}

type Option func(*Server)

func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(s *Server) { s.log = l }
}

// WithObserver sets where requests are surfaced, default is the logger.
func WithObserver(o engine.Observer) Option {
	return func(s *Server) { s.observer = o }
}

func WithRuntime(rt protocol.Runtime) Option {
	return func(s *Server) { s.runtime = rt }
}

// WithMetrics records dispatch and session counters, see engine.NewMetrics.
func WithMetrics(m *engine.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithShutdown shares a flag, e.g. one driven by engine.WatchSignals.
func WithShutdown(flag *engine.Shutdown) Option {
	return func(s *Server) { s.shutdown = flag }
}

type Server struct {
	cfg      Config
	log      *logiface.Logger[logiface.Event]
	observer engine.Observer
	runtime  protocol.Runtime
	shutdown *engine.Shutdown
	metrics  *engine.Metrics
}

func New(cfg Config, opts ...Option) *Server {
	s := &Server{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(s)
	}
	if s.shutdown == nil {
		s.shutdown = engine.NewShutdown()
	}
	if s.observer == nil {
		s.observer = engine.LogObserver{Logger: s.log}
	}
	if s.runtime == nil {
		s.runtime = &protocol.HTTP{}
	}
	return s
}

func (s *Server) Config() Config { return s.cfg }

// Shutdown sets the stop flag, calling it again does nothing.
func (s *Server) Shutdown() { s.shutdown.Trigger() }

// Listen binds the configured address.
func (s *Server) Listen() (*net.TCPListener, error) {
	return internal.Listen(s.cfg.Host, s.cfg.Port, s.cfg.Backlog)
}

// Run sizes the pool before binding, so a bad config never opens a socket.
func (s *Server) Run(ctx context.Context) error {
	d, err := s.dispatcher()
	if err != nil {
		return err
	}
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return d.Serve(ctx, ln)
}

// Serve takes ownership of ln, it is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	d, err := s.dispatcher()
	if err != nil {
		_ = ln.Close()
		return err
	}
	return d.Serve(ctx, ln)
}

func (s *Server) dispatcher() (*engine.Dispatcher, error) {
	workers, err := engine.ResolveWorkers(s.cfg.Parallelism)
	if err != nil {
		return nil, err
	}

	handler := engine.NewHandler(engine.HandlerConfig{
		Runtime:     s.runtime,
		Observer:    s.observer,
		ChunkSize:   s.cfg.ChunkSize,
		IOTimeout:   s.cfg.IOTimeout,
		MaxBodySize: s.cfg.MaxBodySize,
		Metrics:     s.metrics,
		Logger:      s.log,
	})

	return engine.NewDispatcher(engine.DispatcherConfig{
		Workers:       workers,
		QueueCapacity: s.cfg.QueueCapacity,
		AcceptTimeout: s.cfg.AcceptTimeout,
		DrainTimeout:  s.cfg.DrainTimeout,
		MaxSessions:   s.cfg.MaxSessions,
		Handler:       handler,
		Shutdown:      s.shutdown,
		Metrics:       s.metrics,
		Logger:        s.log,
	})
}
