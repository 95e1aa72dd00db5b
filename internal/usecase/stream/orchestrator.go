package stream

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"runwatch/internal/domain"
	"runwatch/internal/usecase/eventbus"
)

// Connection is the surface the orchestrator needs from a connection manager.
type Connection interface {
	Connect() error
	Destroy()
	IsActive() bool
}

// ConnectionHooks is the tagged callback surface a Connection reports through.
type ConnectionHooks struct {
	OnOpen    func()
	OnMessage func(raw string)
	OnError   func(err error)
	OnClose   func()
}

// ConnectionFactory builds a fresh connection manager bound to a run.
type ConnectionFactory func(runID string, hooks ConnectionHooks) Connection

// RunControl is the out-of-band control plane collaborator.
type RunControl interface {
	// Status returns the authoritative backend status for a run, or an error
	// wrapping domain.ErrNotFound when the run is gone server-side.
	Status(ctx context.Context, runID string) (domain.RunStatus, error)
	// Stop requests the backend stop the run. Best-effort.
	Stop(ctx context.Context, runID string) error
}

// Adopter hands over a preconnected stream for a run, replaying any frames
// buffered before adoption through hooks.OnMessage.
type Adopter interface {
	Adopt(runID string, hooks ConnectionHooks) (Connection, bool)
}

// Callbacks is the consumer-facing notification surface. All callbacks are
// optional and invoked outside the orchestrator's lock.
type Callbacks struct {
	OnMessage          func(msg *domain.Message)
	OnStatusChange     func(status domain.AgentStatus)
	OnError            func(message string)
	OnClose            func(final domain.AgentStatus)
	OnAssistantStart   func()
	OnAssistantChunk   func(content string)
	OnToolCallChunk    func(msg *domain.Message, calls []domain.ReconstructedToolCall)
	OnToolOutputStream func(out domain.ToolOutput)
}

// Config holds the orchestrator's presentation timing knobs.
type Config struct {
	// FlushInterval is the bounded batching window for text chunks.
	FlushInterval time.Duration
	// ToolUpdateInterval is the minimum interval between argument-only
	// tool call publishes. Structural changes bypass it.
	ToolUpdateInterval time.Duration
	// CloseResolveDelay is the wait before resolving an ambiguous close via
	// the control plane.
	CloseResolveDelay time.Duration
	// StatusLookupTimeout bounds the out-of-band status query.
	StatusLookupTimeout time.Duration
	// StopTimeout bounds the best-effort stop request.
	StopTimeout time.Duration
}

// Options wires an Orchestrator.
type Options struct {
	Connect   ConnectionFactory
	Control   RunControl
	Adopter   Adopter // optional, for resuming preconnected streams
	Callbacks Callbacks

	// Optional collaborators.
	BillingHandler    func(message, creditBalance string)
	Notify            func(message string)
	InvalidateCache   func(runID string)
	ResetToolTracking func()

	Bus    *eventbus.Bus // optional
	Logger *slog.Logger
	Config Config
}

const (
	defaultFlushInterval       = 16 * time.Millisecond
	defaultToolUpdateInterval  = 50 * time.Millisecond
	defaultCloseResolveDelay   = 2 * time.Second
	defaultStatusLookupTimeout = 10 * time.Second
	defaultStopTimeout         = 5 * time.Second
)

// Snapshot is the live queryable view of a run stream.
type Snapshot struct {
	Status    domain.AgentStatus
	RunID     string
	Text      string
	Reasoning string
	ToolCalls []domain.ReconstructedToolCall
	Error     string
}

// Orchestrator is the consumer-facing lifecycle state machine for one run
// stream at a time. It routes raw frames through the classifier, maintains
// ordered text and reasoning buffers with batched publication, throttles
// high-frequency tool-call updates, and resolves ambiguous closures through
// the control plane.
//
// One connection is live per orchestrator instance; starting a new run tears
// down the previous connection first. All buffer mutation happens under one
// lock on the frame-handling path; callbacks run outside it.
type Orchestrator struct {
	opts Options

	mu         sync.Mutex
	status     domain.AgentStatus
	runID      string
	conn       Connection
	acc        *Accumulator
	chunks     []domain.TextChunk // ordered, deduplicated by sequence
	pending    []domain.TextChunk // awaiting the next flush window
	flushArmed bool
	reasoning  strings.Builder
	lastError  string
	finalized  bool

	assistantStarted bool

	toolLimiter    *rate.Limiter
	toolMsg        *domain.Message
	toolCalls      []domain.ReconstructedToolCall
	toolDirty      bool
	toolArmed      bool
	publishedTools map[string]string // id -> function name at last publish
}

// New creates an orchestrator. Connect and Control are required.
func New(opts Options) *Orchestrator {
	if opts.Config.FlushInterval <= 0 {
		opts.Config.FlushInterval = defaultFlushInterval
	}
	if opts.Config.ToolUpdateInterval <= 0 {
		opts.Config.ToolUpdateInterval = defaultToolUpdateInterval
	}
	if opts.Config.CloseResolveDelay <= 0 {
		opts.Config.CloseResolveDelay = defaultCloseResolveDelay
	}
	if opts.Config.StatusLookupTimeout <= 0 {
		opts.Config.StatusLookupTimeout = defaultStatusLookupTimeout
	}
	if opts.Config.StopTimeout <= 0 {
		opts.Config.StopTimeout = defaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{
		opts:           opts,
		status:         domain.StatusIdle,
		acc:            NewAccumulator(),
		toolLimiter:    rate.NewLimiter(rate.Every(opts.Config.ToolUpdateInterval), 1),
		publishedTools: make(map[string]string),
	}
}

// StartStreaming opens a stream for runID, tearing down any previous
// connection for this orchestrator first.
func (o *Orchestrator) StartStreaming(runID string) error {
	return o.start(runID, domain.StatusConnecting, false)
}

// ResumeStream reattaches to an in-flight run: it adopts a preconnected
// stream when one is registered, otherwise opens a fresh connection.
func (o *Orchestrator) ResumeStream(runID string) error {
	return o.start(runID, domain.StatusReconnecting, true)
}

func (o *Orchestrator) start(runID string, initial domain.AgentStatus, adopt bool) error {
	o.mu.Lock()
	prev := o.conn
	o.conn = nil
	o.resetLocked()
	o.runID = runID
	o.setStatusLocked(initial)
	o.mu.Unlock()

	if prev != nil {
		prev.Destroy()
	}
	if o.opts.ResetToolTracking != nil {
		o.opts.ResetToolTracking()
	}
	o.emitStatus(initial, runID)

	hooks := o.hooks(runID)

	if adopt && o.opts.Adopter != nil {
		if conn, ok := o.opts.Adopter.Adopt(runID, hooks); ok {
			o.mu.Lock()
			if o.runID != runID {
				o.mu.Unlock()
				conn.Destroy()
				return nil
			}
			o.conn = conn
			o.mu.Unlock()
			return nil
		}
	}

	conn := o.opts.Connect(runID, hooks)
	o.mu.Lock()
	if o.runID != runID {
		o.mu.Unlock()
		conn.Destroy()
		return nil
	}
	o.conn = conn
	o.mu.Unlock()

	return conn.Connect()
}

// resetLocked clears all per-run state. Caller holds o.mu.
func (o *Orchestrator) resetLocked() {
	o.acc.Clear()
	o.chunks = nil
	o.pending = nil
	o.flushArmed = false
	o.reasoning.Reset()
	o.lastError = ""
	o.finalized = false
	o.assistantStarted = false
	o.toolMsg = nil
	o.toolCalls = nil
	o.toolDirty = false
	o.toolArmed = false
	o.publishedTools = make(map[string]string)
}

// hooks builds the connection callback surface for one run. Every hook
// re-checks the captured run id, so callbacks from a superseded connection
// are silent no-ops.
func (o *Orchestrator) hooks(runID string) ConnectionHooks {
	return ConnectionHooks{
		OnOpen: func() {
			o.mu.Lock()
			if o.runID != runID || o.finalized {
				o.mu.Unlock()
				return
			}
			o.setStatusLocked(domain.StatusRunning)
			o.mu.Unlock()
			o.emitStatus(domain.StatusRunning, runID)
		},
		OnMessage: func(raw string) { o.handleFrame(runID, raw) },
		OnError: func(err error) {
			o.mu.Lock()
			if o.runID != runID || o.finalized {
				o.mu.Unlock()
				return
			}
			o.lastError = err.Error()
			o.mu.Unlock()

			o.emitError(err.Error(), runID)
			o.resolveClose(runID)
		},
		OnClose: func() { o.resolveClose(runID) },
	}
}

// handleFrame is the single mutation path for all per-run buffers.
func (o *Orchestrator) handleFrame(runID, raw string) {
	o.mu.Lock()
	if o.runID != runID || o.finalized {
		o.mu.Unlock()
		return
	}

	// Any received frame proves the stream is live.
	statusChanged := false
	if o.status == domain.StatusConnecting || o.status == domain.StatusRunning ||
		o.status == domain.StatusReconnecting {
		o.setStatusLocked(domain.StatusStreaming)
		statusChanged = true
	}

	p := Classify(Preprocess(raw), o.acc)

	var after []func()
	if statusChanged {
		after = append(after, func() { o.emitStatus(domain.StatusStreaming, runID) })
	}

	switch p.Kind {
	case KindTextChunk:
		after = append(after, o.handleTextLocked(runID, p)...)

	case KindReasoningChunk:
		o.reasoning.WriteString(p.Reasoning)
		after = append(after, o.assistantStartLocked())
		if o.opts.Bus != nil {
			after = append(after, func() {
				o.opts.Bus.PublishPayload(context.Background(), domain.EventStreamReasoning, runID,
					domain.StreamDeltaPayload{Content: p.Reasoning})
			})
		}

	case KindToolCallChunk:
		if p.Reasoning != "" {
			o.reasoning.WriteString(p.Reasoning)
		}
		after = append(after, o.assistantStartLocked())
		after = append(after, o.handleToolCallsLocked(runID, p.Raw, p.ToolCalls, false)...)

	case KindToolResult:
		after = append(after, o.handleToolCallsLocked(runID, p.Raw, p.ToolCalls, true)...)
		if p.Raw != nil && o.opts.Callbacks.OnMessage != nil {
			msg := p.Raw
			after = append(after, func() { o.opts.Callbacks.OnMessage(msg) })
		}

	case KindMessageComplete:
		after = append(after, o.completeMessageLocked(runID, p.Raw)...)

	case KindStatus:
		if p.Billing {
			after = append(after, o.billingLocked(p))
		}
		status := p.Status
		after = append(after, func() { o.finalize(status, runID) })

	case KindError:
		o.lastError = p.ErrorMessage
		msg := p.ErrorMessage
		after = append(after, func() { o.emitError(msg, runID) })

	case KindBillingError:
		o.lastError = p.ErrorMessage
		after = append(after, o.billingLocked(p))

	case KindToolOutputStream:
		out := *p.ToolOutput
		after = append(after, func() {
			if o.opts.Callbacks.OnToolOutputStream != nil {
				o.opts.Callbacks.OnToolOutputStream(out)
			}
			if o.opts.Bus != nil {
				o.opts.Bus.PublishPayload(context.Background(), domain.EventStreamToolOutput, runID, out)
			}
		})

	case KindPing:
		// Liveness only; the connection manager already stamped it.

	case KindIgnore:
		if p.Raw != nil && o.opts.Callbacks.OnMessage != nil {
			msg := p.Raw
			after = append(after, func() { o.opts.Callbacks.OnMessage(msg) })
		}
	}

	o.mu.Unlock()
	for _, fn := range after {
		if fn != nil {
			fn()
		}
	}
}

// handleTextLocked queues a text chunk for the next flush window. Caller
// holds o.mu.
func (o *Orchestrator) handleTextLocked(runID string, p Processed) []func() {
	var after []func()

	if p.Raw != nil && o.opts.Callbacks.OnMessage != nil {
		// Complete non-streamed message riding on a text classification.
		msg := p.Raw
		after = append(after, func() { o.opts.Callbacks.OnMessage(msg) })
	}
	if p.Text == "" {
		return after
	}

	after = append(after, o.assistantStartLocked())
	o.pending = append(o.pending, domain.TextChunk{Content: p.Text, Sequence: p.Sequence})

	if !o.flushArmed {
		o.flushArmed = true
		time.AfterFunc(o.opts.Config.FlushInterval, func() { o.flushText(runID) })
	}
	return after
}

// assistantStartLocked fires OnAssistantStart once per assistant turn.
// Caller holds o.mu.
func (o *Orchestrator) assistantStartLocked() func() {
	if o.assistantStarted {
		return nil
	}
	o.assistantStarted = true
	if o.opts.Callbacks.OnAssistantStart == nil {
		return nil
	}
	return o.opts.Callbacks.OnAssistantStart
}

// flushText merges the pending queue into the ordered buffer and publishes
// one batched update.
func (o *Orchestrator) flushText(runID string) {
	o.mu.Lock()
	if o.runID != runID {
		o.mu.Unlock()
		return
	}
	content := o.flushPendingLocked()
	o.mu.Unlock()

	o.publishText(content, runID)
}

// flushPendingLocked merges pending chunks into the ordered buffer and
// returns their joined content in sequence order. Caller holds o.mu.
func (o *Orchestrator) flushPendingLocked() string {
	o.flushArmed = false
	if len(o.pending) == 0 {
		return ""
	}

	batch := o.pending
	o.pending = nil
	for _, ch := range batch {
		o.chunks = mergeChunk(o.chunks, ch)
	}

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Sequence < batch[j].Sequence })
	var b strings.Builder
	for _, ch := range batch {
		b.WriteString(ch.Content)
	}
	return b.String()
}

func (o *Orchestrator) publishText(content, runID string) {
	if content == "" {
		return
	}
	if o.opts.Callbacks.OnAssistantChunk != nil {
		o.opts.Callbacks.OnAssistantChunk(content)
	}
	if o.opts.Bus != nil {
		o.opts.Bus.PublishPayload(context.Background(), domain.EventStreamDelta, runID,
			domain.StreamDeltaPayload{Content: content})
	}
}

// mergeChunk inserts ch into chunks keeping ascending sequence order, with
// last-write-wins on duplicate sequences.
func mergeChunk(chunks []domain.TextChunk, ch domain.TextChunk) []domain.TextChunk {
	i := sort.Search(len(chunks), func(i int) bool { return chunks[i].Sequence >= ch.Sequence })
	if i < len(chunks) && chunks[i].Sequence == ch.Sequence {
		chunks[i] = ch
		return chunks
	}
	chunks = append(chunks, domain.TextChunk{})
	copy(chunks[i+1:], chunks[i:])
	chunks[i] = ch
	return chunks
}

// handleToolCallsLocked updates the current tool call set and decides whether
// to publish now. Tool results and structural changes (new call, function
// name resolved) publish immediately; argument-only growth is throttled.
// Caller holds o.mu.
func (o *Orchestrator) handleToolCallsLocked(runID string, msg *domain.Message, calls []domain.ReconstructedToolCall, immediate bool) []func() {
	o.toolCalls = calls
	if msg != nil {
		o.toolMsg = msg
	}

	structural := immediate
	for _, c := range calls {
		name, seen := o.publishedTools[c.ToolCallID]
		if !seen || (name == "" && c.FunctionName != "") {
			structural = true
		}
	}

	if structural || o.toolLimiter.Allow() {
		return []func(){o.publishToolsLocked(runID)}
	}

	o.toolDirty = true
	if !o.toolArmed {
		o.toolArmed = true
		time.AfterFunc(o.opts.Config.ToolUpdateInterval, func() { o.flushTools(runID) })
	}
	return nil
}

// publishToolsLocked snapshots the current tool set for publication and
// records the published shape. Caller holds o.mu; the returned func runs
// outside it.
func (o *Orchestrator) publishToolsLocked(runID string) func() {
	o.toolDirty = false
	for _, c := range o.toolCalls {
		o.publishedTools[c.ToolCallID] = c.FunctionName
	}

	msg := o.toolMsg
	calls := make([]domain.ReconstructedToolCall, len(o.toolCalls))
	copy(calls, o.toolCalls)

	return func() {
		if o.opts.Callbacks.OnToolCallChunk != nil {
			o.opts.Callbacks.OnToolCallChunk(msg, calls)
		}
		if o.opts.Bus != nil {
			o.opts.Bus.PublishPayload(context.Background(), domain.EventStreamToolCall, runID,
				domain.StreamToolCallPayload{Calls: calls})
		}
	}
}

// flushTools publishes coalesced argument growth after a throttle window.
func (o *Orchestrator) flushTools(runID string) {
	o.mu.Lock()
	o.toolArmed = false
	if o.runID != runID || o.finalized || !o.toolDirty {
		o.mu.Unlock()
		return
	}
	publish := o.publishToolsLocked(runID)
	o.mu.Unlock()
	publish()
}

// completeMessageLocked flushes pending buffers and resets per-message state:
// a new assistant turn starts clean. Caller holds o.mu.
func (o *Orchestrator) completeMessageLocked(runID string, msg *domain.Message) []func() {
	content := o.flushPendingLocked()

	o.acc.Clear()
	o.chunks = nil
	o.reasoning.Reset()
	o.assistantStarted = false
	o.toolMsg = nil
	o.toolCalls = nil
	o.toolDirty = false
	o.publishedTools = make(map[string]string)

	var after []func()
	if content != "" {
		after = append(after, func() { o.publishText(content, runID) })
	}
	if o.opts.ResetToolTracking != nil {
		after = append(after, o.opts.ResetToolTracking)
	}
	if msg != nil {
		m := msg
		after = append(after, func() {
			if o.opts.Callbacks.OnMessage != nil {
				o.opts.Callbacks.OnMessage(m)
			}
			if o.opts.Bus != nil {
				o.opts.Bus.PublishPayload(context.Background(), domain.EventMessageFinal, runID, m)
			}
		})
	}
	return after
}

// billingLocked routes a billing-shaped error to the dedicated handler when
// one is wired, else surfaces it as a generic error. Caller holds o.mu.
func (o *Orchestrator) billingLocked(p Processed) func() {
	msg, balance := p.ErrorMessage, p.CreditBalance
	runID := o.runID
	if o.opts.BillingHandler != nil {
		return func() { o.opts.BillingHandler(msg, balance) }
	}
	return func() { o.emitError(msg, runID) }
}

// resolveClose resolves an ambiguous closure: the transport ended without an
// unambiguous terminal status frame, so after a short delay the control plane
// is asked what actually happened. Never guessed from local state alone.
func (o *Orchestrator) resolveClose(runID string) {
	time.AfterFunc(o.opts.Config.CloseResolveDelay, func() {
		o.mu.Lock()
		if o.runID != runID || o.finalized {
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), o.opts.Config.StatusLookupTimeout)
		defer cancel()

		status, err := o.opts.Control.Status(ctx, runID)
		switch {
		case err != nil && domain.IsNotFound(err):
			// The run is simply gone; it finished while we were away.
			o.finalize(domain.StatusCompleted, runID)
		case err != nil:
			o.opts.Logger.Warn("run status lookup failed", "run_id", runID, "error", err)
			o.finalize(domain.StatusError, runID)
		case status == domain.RunStatusRunning:
			// Dropped connection: the run may still be active server-side.
			o.notify("connection to run lost; the run may still be active")
			o.mu.Lock()
			if o.runID == runID && o.lastError == "" {
				o.lastError = "connection lost while run still active"
			}
			o.mu.Unlock()
			o.finalize(domain.StatusError, runID)
		default:
			o.finalize(status.AsAgentStatus(), runID)
		}
	})
}

// finalize ends the stream for runID. Guarded by run-id match and a
// terminal-once flag: a stale finalize for a superseded run is dropped, and
// OnClose fires exactly once per run.
func (o *Orchestrator) finalize(status domain.AgentStatus, runID string) {
	o.mu.Lock()
	if o.runID != runID || o.finalized {
		o.mu.Unlock()
		return
	}
	o.finalized = true
	content := o.flushPendingLocked()
	conn := o.conn
	o.conn = nil
	o.setStatusLocked(status)
	o.runID = ""
	o.mu.Unlock()

	if conn != nil {
		conn.Destroy()
	}

	o.publishText(content, runID)
	o.emitStatus(status, runID)
	if status.Terminal() {
		if o.opts.Callbacks.OnClose != nil {
			o.opts.Callbacks.OnClose(status)
		}
		if o.opts.InvalidateCache != nil {
			o.opts.InvalidateCache(runID)
		}
	}
	if o.opts.Bus != nil {
		o.mu.Lock()
		text := joinChunks(o.chunks)
		o.mu.Unlock()
		o.opts.Bus.PublishPayload(context.Background(), domain.EventStreamCompleted, runID,
			domain.StreamCompletedPayload{Status: status, Text: text})
	}

	o.opts.Logger.Info("stream finalized", "run_id", runID, "status", string(status))
}

// StopStreaming destroys the local connection, issues a best-effort stop to
// the control plane, and finalizes as stopped regardless of the request's
// outcome: a network failure here must not leave the consumer hung.
func (o *Orchestrator) StopStreaming() error {
	o.mu.Lock()
	runID := o.runID
	conn := o.conn
	o.conn = nil
	o.mu.Unlock()

	if conn != nil {
		conn.Destroy()
	}
	if runID == "" {
		return domain.ErrNoActiveRun
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.Config.StopTimeout)
	defer cancel()
	if err := o.opts.Control.Stop(ctx, runID); err != nil {
		o.opts.Logger.Warn("stop request failed", "run_id", runID, "error", err)
	}

	o.finalize(domain.StatusStopped, runID)
	return nil
}

// Snapshot returns the live view: status, ordered text, reasoning, current
// tool calls, last error, and the active run id. Text is always derived from
// the buffered chunks, never stored pre-joined.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	merged := o.chunks
	if len(o.pending) > 0 {
		merged = make([]domain.TextChunk, len(o.chunks))
		copy(merged, o.chunks)
		for _, ch := range o.pending {
			merged = mergeChunk(merged, ch)
		}
	}

	calls := make([]domain.ReconstructedToolCall, len(o.toolCalls))
	copy(calls, o.toolCalls)

	return Snapshot{
		Status:    o.status,
		RunID:     o.runID,
		Text:      joinChunks(merged),
		Reasoning: o.reasoning.String(),
		ToolCalls: calls,
		Error:     o.lastError,
	}
}

// Status returns the current consumer-facing status.
func (o *Orchestrator) Status() domain.AgentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// TextContent returns the current visible transcript.
func (o *Orchestrator) TextContent() string {
	return o.Snapshot().Text
}

func joinChunks(chunks []domain.TextChunk) string {
	var b strings.Builder
	for _, ch := range chunks {
		b.WriteString(ch.Content)
	}
	return b.String()
}

func (o *Orchestrator) setStatusLocked(status domain.AgentStatus) {
	o.status = status
}

func (o *Orchestrator) emitStatus(status domain.AgentStatus, runID string) {
	if o.opts.Callbacks.OnStatusChange != nil {
		o.opts.Callbacks.OnStatusChange(status)
	}
	if o.opts.Bus != nil {
		o.opts.Bus.PublishPayload(context.Background(), domain.EventStreamStatus, runID,
			domain.StreamStatusPayload{Status: status})
	}
}

func (o *Orchestrator) emitError(message, runID string) {
	if o.opts.Callbacks.OnError != nil {
		o.opts.Callbacks.OnError(message)
	}
	o.notify(message)
	if o.opts.Bus != nil {
		o.opts.Bus.PublishPayload(context.Background(), domain.EventStreamError, runID,
			domain.StreamErrorPayload{Error: message})
	}
}

func (o *Orchestrator) notify(message string) {
	if o.opts.Notify != nil {
		o.opts.Notify(message)
	}
}
