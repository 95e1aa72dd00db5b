// Package preconnect holds streams opened before a consumer is ready for
// them. A stream is opened as soon as a run is created, its frames are
// buffered, and a later adopt call claims the live connection together with
// everything buffered in the meantime.
package preconnect

import (
	"log/slog"
	"sync"
	"time"

	"runwatch/internal/domain"
	"runwatch/internal/usecase/stream"
)

const (
	defaultTTL           = 60 * time.Second
	defaultMaxBuffer     = 256
	defaultSweepInterval = 10 * time.Second
)

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	// TTL is how long an unadopted entry survives before eviction.
	TTL time.Duration
	// MaxBuffer caps buffered frames per entry; oldest frames drop first.
	MaxBuffer int
	// SweepInterval is how often stale entries are evicted.
	SweepInterval time.Duration
	// Now supplies the clock used for staleness decisions.
	Now    func() time.Time
	Logger *slog.Logger
}

type entry struct {
	conn      stream.Connection
	runID     string
	created   time.Time
	frames    []string
	dropped   int
	listeners []func(raw string)
	target    *stream.ConnectionHooks
	dead      bool
}

// Registry tracks preconnected streams by run id. Each entry buffers frames
// until adoption; adoption is exclusive and transfers the connection.
type Registry struct {
	factory stream.ConnectionFactory
	ttl     time.Duration
	maxBuf  int
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a registry and starts its eviction sweeper.
func New(factory stream.ConnectionFactory, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = defaultMaxBuffer
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		factory: factory,
		ttl:     opts.TTL,
		maxBuf:  opts.MaxBuffer,
		now:     opts.Now,
		logger:  opts.Logger,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go r.sweepLoop(opts.SweepInterval)
	return r
}

// Preconnect opens a stream for runID ahead of adoption. Idempotent per run:
// a second call for a live entry is a no-op.
func (r *Registry) Preconnect(runID string) error {
	r.mu.Lock()
	if e, ok := r.entries[runID]; ok && !e.dead {
		r.mu.Unlock()
		return nil
	}

	e := &entry{runID: runID, created: r.now()}
	r.entries[runID] = e
	r.mu.Unlock()

	conn := r.factory(runID, stream.ConnectionHooks{
		OnMessage: func(raw string) { r.deliver(e, raw) },
		OnError:   func(err error) { r.markDead(e, err) },
		OnClose:   func() { r.markDead(e, nil) },
	})

	r.mu.Lock()
	if r.entries[runID] != e {
		// Evicted or replaced while dialing.
		r.mu.Unlock()
		conn.Destroy()
		return domain.ErrConnDestroyed
	}
	e.conn = conn
	r.mu.Unlock()

	r.logger.Debug("preconnected stream", "run_id", runID)
	return conn.Connect()
}

// deliver routes a frame to the adopted target when set, else buffers it.
// Listeners observe every frame either way.
func (r *Registry) deliver(e *entry, raw string) {
	r.mu.Lock()
	target := e.target
	listeners := make([]func(string), len(e.listeners))
	copy(listeners, e.listeners)
	if target == nil {
		e.frames = append(e.frames, raw)
		if len(e.frames) > r.maxBuf {
			over := len(e.frames) - r.maxBuf
			e.frames = e.frames[over:]
			e.dropped += over
		}
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(raw)
	}
	if target != nil && target.OnMessage != nil {
		target.OnMessage(raw)
	}
}

func (r *Registry) markDead(e *entry, err error) {
	r.mu.Lock()
	e.dead = true
	target := e.target
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("preconnected stream failed", "run_id", e.runID, "error", err)
		if target != nil && target.OnError != nil {
			target.OnError(err)
		}
		return
	}
	if target != nil && target.OnClose != nil {
		target.OnClose()
	}
}

// Adopt claims the preconnected stream for runID. Buffered frames are
// replayed synchronously through hooks.OnMessage before Adopt returns, then
// live frames flow directly to hooks. Adoption is exclusive: the entry leaves
// the registry and a second call reports no match.
func (r *Registry) Adopt(runID string, hooks stream.ConnectionHooks) (stream.Connection, bool) {
	r.mu.Lock()
	e, ok := r.entries[runID]
	if !ok || e.dead || e.conn == nil || e.target != nil {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.entries, runID)
	buffered := e.frames
	e.frames = nil
	dropped := e.dropped
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.Warn("preconnect buffer overflowed before adoption",
			"run_id", runID, "dropped", dropped)
	}
	if hooks.OnOpen != nil {
		hooks.OnOpen()
	}
	for _, raw := range buffered {
		if hooks.OnMessage != nil {
			hooks.OnMessage(raw)
		}
	}

	// Frames that landed during replay are drained before going live.
	r.mu.Lock()
	e.target = &hooks
	late := e.frames
	e.frames = nil
	r.mu.Unlock()
	for _, raw := range late {
		if hooks.OnMessage != nil {
			hooks.OnMessage(raw)
		}
	}

	r.logger.Debug("adopted preconnected stream", "run_id", runID, "replayed", len(buffered)+len(late))
	return e.conn, true
}

// AddListener registers an observer for frames arriving on runID's
// preconnected stream. Listeners see frames without consuming them and
// survive until the entry is adopted or evicted.
func (r *Registry) AddListener(runID string, fn func(raw string)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok || e.dead {
		return false
	}
	e.listeners = append(e.listeners, fn)
	return true
}

// Has reports whether a live, unadopted entry exists for runID.
func (r *Registry) Has(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	return ok && !e.dead
}

// Destroy tears down every unadopted stream and stops the sweeper.
func (r *Registry) Destroy() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.conn != nil {
			e.conn.Destroy()
		}
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep evicts dead entries and unadopted entries past their TTL.
func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var evicted []*entry
	for id, e := range r.entries {
		if e.dead || e.created.Before(cutoff) {
			delete(r.entries, id)
			evicted = append(evicted, e)
		}
	}
	r.mu.Unlock()

	for _, e := range evicted {
		if e.conn != nil {
			e.conn.Destroy()
		}
		r.logger.Debug("evicted preconnected stream", "run_id", e.runID)
	}
}
