package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	ipc "github.com/glimte/mmate-ipc"
	"github.com/glimte/mmate-ipc/config"
	"github.com/glimte/mmate-ipc/health"
	"github.com/glimte/mmate-ipc/messaging"
	"github.com/glimte/mmate-ipc/serialization"
	"github.com/glimte/mmate-ipc/transports/memory"
	"github.com/glimte/mmate-ipc/transports/rabbitmq"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	maxPending     = 1000
	healthInterval = 30 * time.Second
)

// logHealth runs every check and logs the ones that are not healthy.
func logHealth(ctx context.Context, logger *slog.Logger, checks *health.Registry) health.Status {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h := checks.Check(ctx)
	for _, c := range h.Checks {
		if c.Status != health.StatusHealthy {
			logger.Warn("health check failed", "check", c.Name, "status", c.Status, "message", c.Message, "error", c.Error)
		}
	}
	logger.Info("health", "status", h.Status, "checks", len(h.Checks), "duration", h.Duration)
	return h.Status
}

// Ping is the demo payload.
type Ping struct {
	Session string    `json:"session" cbor:"session"`
	From    string    `json:"from" cbor:"from"`
	Seq     int       `json:"seq" cbor:"seq"`
	SentAt  time.Time `json:"sentAt" cbor:"sentAt"`
}

// Pong answers a Ping
type Pong struct {
	Seq int    `json:"seq" cbor:"seq"`
	By  string `json:"by" cbor:"by"`
}

// env bundles what every subcommand needs
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	codec   serialization.Codec
	session string
	closer  io.Closer
}

func newEnv(cfg *config.Config) (*env, error) {
	logger, closer, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	codec, err := serialization.NewRegistry().Lookup(cfg.Messenger.Codec)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	session := uuid.New().String()
	return &env{
		cfg:     cfg,
		logger:  logger.With("session", session),
		codec:   codec,
		session: session,
		closer:  closer,
	}, nil
}

func (e *env) Close() error {
	return e.closer.Close()
}

func (e *env) clientOptions() []ipc.ClientOption {
	return []ipc.ClientOption{
		ipc.WithConfig(e.cfg.MessagingConfig()),
		ipc.WithLogger(e.logger),
		ipc.WithMessengerOptions(
			messaging.WithCodec(e.codec),
			messaging.WithMiddleware(messaging.LoggingMiddleware(e.logger)),
		),
	}
}

func pingHandler(name string) messaging.Handler {
	return messaging.Handle(func(ctx context.Context, p Ping) (Pong, error) {
		return Pong{Seq: p.Seq, By: name}, nil
	})
}

// Report summarizes round trips
type Report struct {
	mu        sync.Mutex
	latencies []time.Duration
	failures  int
	health    health.Status
}

func (r *Report) record(d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		return
	}
	r.latencies = append(r.latencies, d)
}

// Succeeded returns the number of completed round trips
func (r *Report) Succeeded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.latencies)
}

// Failed returns the number of failed round trips
func (r *Report) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Print writes the summary to w
func (r *Report) Print(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(w, "round trips: %d ok, %d failed\n", len(r.latencies), r.failures)
	if r.health != "" {
		fmt.Fprintf(w, "health: %s\n", r.health)
	}
	if len(r.latencies) == 0 {
		return
	}
	sorted := append([]time.Duration(nil), r.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	fmt.Fprintf(w, "latency: min %v, p50 %v, max %v\n",
		sorted[0], sorted[len(sorted)/2], sorted[len(sorted)-1])
}

// ping sends count pings through send and records each outcome.
func ping(ctx context.Context, report *Report, from, session string, count int, send func(Ping) *messaging.Future) error {
	for i := 0; i < count; i++ {
		start := time.Now()
		var pong Pong
		err := send(Ping{Session: session, From: from, Seq: i, SentAt: start}).Decode(ctx, &pong)
		if err == nil && pong.Seq != i {
			err = fmt.Errorf("pong %d answers ping %d", pong.Seq, i)
		}
		report.record(time.Since(start), err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// runMemory opens windows on an in-process hub and pings in both directions
// concurrently.
func runMemory(ctx context.Context, e *env, windows, count int) (*Report, error) {
	hub := memory.NewHub(memory.WithLogger(e.logger))
	defer hub.Close()

	host, err := ipc.NewHost(hub.Host(), e.clientOptions()...)
	if err != nil {
		return nil, err
	}
	defer host.Close()
	if err := host.On("ping", pingHandler("host")); err != nil {
		return nil, err
	}

	checks := health.NewRegistry()
	checks.Register(health.NewMessengerChecker("host", host.Messenger(), maxPending))
	checks.Register(health.NewGoroutineChecker(1000, 10000))

	report := &Report{}
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < windows; i++ {
		window, err := hub.OpenWindow()
		if err != nil {
			return nil, err
		}
		renderer, err := ipc.NewRenderer(window.Transport(), e.clientOptions()...)
		if err != nil {
			return nil, err
		}
		defer renderer.Close()
		if err := renderer.On("ping", pingHandler(window.ID())); err != nil {
			return nil, err
		}
		checks.Register(health.NewMessengerChecker(window.ID(), renderer.Messenger(), maxPending))

		g.Go(func() error {
			return ping(gctx, report, "host", e.session, count, func(p Ping) *messaging.Future {
				return host.Send(gctx, window, "ping", p)
			})
		})
		g.Go(func() error {
			return ping(gctx, report, window.ID(), e.session, count, func(p Ping) *messaging.Future {
				return renderer.Send(gctx, "ping", p)
			})
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	report.health = logHealth(ctx, e.logger, checks)
	e.logger.Info("demo finished", "windows", windows, "ok", report.Succeeded(), "failed", report.Failed())
	return report, nil
}

func (e *env) rabbitTransport(ctx context.Context) (*rabbitmq.Transport, error) {
	tc := e.cfg.Transport
	return rabbitmq.NewTransport(ctx, tc.URL,
		rabbitmq.WithEndpointID(tc.EndpointID),
		rabbitmq.WithPeer(tc.PeerID),
		rabbitmq.WithPublishTimeout(tc.PublishTimeout),
		rabbitmq.WithPublishRetries(tc.PublishRetries, 50*time.Millisecond),
		rabbitmq.WithLogger(e.logger),
	)
}

// runHost answers pings until ctx is done.
func runHost(ctx context.Context, e *env) error {
	transport, err := e.rabbitTransport(ctx)
	if err != nil {
		return err
	}
	defer transport.Close()

	host, err := ipc.NewHost(transport, e.clientOptions()...)
	if err != nil {
		return err
	}
	defer host.Close()
	if err := host.On("ping", pingHandler(transport.ID())); err != nil {
		return err
	}

	checks := health.NewRegistry()
	checks.Register(health.NewTransportChecker("rabbitmq", transport))
	checks.Register(health.NewMessengerChecker("host", host.Messenger(), maxPending))

	e.logger.Info("host ready", "endpointId", transport.ID())

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			logHealth(ctx, e.logger, checks)
		case <-ctx.Done():
			return nil
		}
	}
}

// runWindow pings the host count times, then announces its own destruction.
func runWindow(ctx context.Context, e *env, count int) (*Report, error) {
	if e.cfg.Transport.EndpointID == "" {
		e.cfg.Transport.EndpointID = "window-" + e.session
	}
	transport, err := e.rabbitTransport(ctx)
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	renderer, err := ipc.NewRenderer(transport, e.clientOptions()...)
	if err != nil {
		return nil, err
	}
	defer renderer.Close()
	if err := renderer.On("ping", pingHandler(transport.ID())); err != nil {
		return nil, err
	}

	report := &Report{}
	err = ping(ctx, report, transport.ID(), e.session, count, func(p Ping) *messaging.Future {
		return renderer.Send(ctx, "ping", p)
	})
	return report, err
}
