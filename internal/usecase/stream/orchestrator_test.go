package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runwatch/internal/domain"
	"runwatch/internal/infra/logger"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	destroyed bool
}

func (c *fakeConn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeConn) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

func (c *fakeConn) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.destroyed
}

func (c *fakeConn) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

type fakeControl struct {
	mu     sync.Mutex
	status domain.RunStatus
	err    error
	stops  []string
}

func (f *fakeControl) Status(_ context.Context, _ string) (domain.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeControl) Stop(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, runID)
	return nil
}

func (f *fakeControl) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

// recorder collects callback invocations for assertions.
type recorder struct {
	mu       sync.Mutex
	statuses []domain.AgentStatus
	chunks   []string
	errors   []string
	closes   []domain.AgentStatus
	messages []*domain.Message
	tools    [][]domain.ReconstructedToolCall
	billing  []string
	starts   int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStatusChange: func(s domain.AgentStatus) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnAssistantChunk: func(content string) {
			r.mu.Lock()
			r.chunks = append(r.chunks, content)
			r.mu.Unlock()
		},
		OnError: func(msg string) {
			r.mu.Lock()
			r.errors = append(r.errors, msg)
			r.mu.Unlock()
		},
		OnClose: func(final domain.AgentStatus) {
			r.mu.Lock()
			r.closes = append(r.closes, final)
			r.mu.Unlock()
		},
		OnMessage: func(m *domain.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnToolCallChunk: func(_ *domain.Message, calls []domain.ReconstructedToolCall) {
			r.mu.Lock()
			r.tools = append(r.tools, calls)
			r.mu.Unlock()
		},
		OnAssistantStart: func() {
			r.mu.Lock()
			r.starts++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		statuses: append([]domain.AgentStatus(nil), r.statuses...),
		chunks:   append([]string(nil), r.chunks...),
		errors:   append([]string(nil), r.errors...),
		closes:   append([]domain.AgentStatus(nil), r.closes...),
		messages: append([]*domain.Message(nil), r.messages...),
		tools:    append([][]domain.ReconstructedToolCall(nil), r.tools...),
		billing:  append([]string(nil), r.billing...),
		starts:   r.starts,
	}
}

type harness struct {
	orch  *Orchestrator
	rec   *recorder
	ctrl  *fakeControl
	mu    sync.Mutex
	conns map[string]*fakeConn
	hooks map[string]ConnectionHooks
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		rec:   &recorder{},
		ctrl:  &fakeControl{status: domain.RunStatusCompleted},
		conns: make(map[string]*fakeConn),
		hooks: make(map[string]ConnectionHooks),
	}
	opts := Options{
		Connect: func(runID string, hooks ConnectionHooks) Connection {
			h.mu.Lock()
			defer h.mu.Unlock()
			conn := &fakeConn{}
			h.conns[runID] = conn
			h.hooks[runID] = hooks
			return conn
		},
		Control:   h.ctrl,
		Callbacks: h.rec.callbacks(),
		Logger:    logger.Nop(),
		Config: Config{
			FlushInterval:      5 * time.Millisecond,
			ToolUpdateInterval: 40 * time.Millisecond,
			CloseResolveDelay:  10 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.orch = New(opts)
	return h
}

func (h *harness) hooksFor(runID string) ConnectionHooks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hooks[runID]
}

func (h *harness) connFor(runID string) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[runID]
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func textFrame(seq int64, text string) string {
	content, _ := json.Marshal(map[string]string{"text": text})
	meta, _ := json.Marshal(map[string]string{"stream_status": "chunk"})
	frame, _ := json.Marshal(map[string]any{
		"type": "assistant", "sequence": seq,
		"content": string(content), "metadata": string(meta),
	})
	return "data: " + string(frame)
}

func toolChunkFrame(seq int64, id, name, fragment string) string {
	chunk := map[string]any{"tool_call_id": id, "arguments_delta": fragment, "is_delta": true}
	if name != "" {
		chunk["function_name"] = name
	}
	meta, _ := json.Marshal(map[string]any{
		"stream_status":    "tool_call_chunk",
		"tool_call_chunks": []any{chunk},
	})
	frame, _ := json.Marshal(map[string]any{
		"type": "assistant", "sequence": seq, "metadata": string(meta),
	})
	return string(frame)
}

func TestOrchestratorTextFlow(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))

	hooks := h.hooksFor("run1")
	require.NotNil(t, hooks.OnMessage)

	hooks.OnOpen()
	hooks.OnMessage(textFrame(2, " world"))
	hooks.OnMessage(textFrame(1, "hello"))

	waitFor(t, func() bool { return h.orch.Snapshot().Text == "hello world" }, "text flush")

	snap := h.orch.Snapshot()
	assert.Equal(t, domain.StatusStreaming, snap.Status)
	assert.Equal(t, "run1", snap.RunID)

	hooks.OnMessage("data: [DONE]")
	waitFor(t, func() bool { return len(h.rec.snapshot().closes) == 1 }, "close")

	rec := h.rec.snapshot()
	assert.Equal(t, []domain.AgentStatus{domain.StatusCompleted}, rec.closes)
	assert.Contains(t, rec.statuses, domain.StatusConnecting)
	assert.Contains(t, rec.statuses, domain.StatusStreaming)
	assert.Equal(t, domain.StatusCompleted, rec.statuses[len(rec.statuses)-1])
	assert.Equal(t, 1, rec.starts)
	assert.True(t, h.connFor("run1").isDestroyed())
}

func TestOrchestratorDuplicateSequenceLastWriteWins(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()

	hooks.OnMessage(textFrame(1, "draft"))
	waitFor(t, func() bool { return h.orch.Snapshot().Text == "draft" }, "first flush")

	hooks.OnMessage(textFrame(1, "final"))
	hooks.OnMessage(textFrame(2, "!"))
	waitFor(t, func() bool { return h.orch.Snapshot().Text == "final!" }, "replacement")
}

func TestOrchestratorToolCallThrottle(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()

	// First chunk is structural (new call id) and publishes immediately.
	hooks.OnMessage(toolChunkFrame(1, "call_1", "search", `{"q":`))
	waitFor(t, func() bool { return len(h.rec.snapshot().tools) >= 1 }, "structural publish")

	// A burst of argument-only growth coalesces into few publishes.
	for i := int64(2); i <= 21; i++ {
		hooks.OnMessage(toolChunkFrame(i, "call_1", "", fmt.Sprintf("%d", i)))
	}

	waitFor(t, func() bool {
		tools := h.rec.snapshot().tools
		if len(tools) == 0 {
			return false
		}
		last := tools[len(tools)-1]
		return len(last) == 1 && last[0].Arguments == `{"q":`+"234567891011121314151617181920"+`21`
	}, "trailing tool flush")

	rec := h.rec.snapshot()
	assert.Less(t, len(rec.tools), 21, "argument growth should be throttled")
}

func TestOrchestratorToolResultPublishesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()

	hooks.OnMessage(toolChunkFrame(1, "call_1", "search", `{}`))
	waitFor(t, func() bool { return len(h.rec.snapshot().tools) >= 1 }, "tool publish")

	meta, _ := json.Marshal(map[string]string{"tool_call_id": "call_1", "function_name": "search"})
	frame, _ := json.Marshal(map[string]any{
		"type": "tool", "sequence": 2, "metadata": string(meta), "message_id": "m9",
	})
	hooks.OnMessage(string(frame))

	waitFor(t, func() bool {
		rec := h.rec.snapshot()
		if len(rec.tools) == 0 {
			return false
		}
		last := rec.tools[len(rec.tools)-1]
		return len(last) == 1 && last[0].Completed
	}, "completed tool publish")

	rec := h.rec.snapshot()
	require.NotEmpty(t, rec.messages)
	assert.Equal(t, "m9", rec.messages[len(rec.messages)-1].MessageID)
}

func TestOrchestratorMessageCompleteResetsTurn(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()

	hooks.OnMessage(textFrame(1, "first turn"))
	waitFor(t, func() bool { return h.orch.Snapshot().Text == "first turn" }, "first turn text")

	meta, _ := json.Marshal(map[string]string{"stream_status": "complete"})
	frame, _ := json.Marshal(map[string]any{
		"type": "assistant", "sequence": 2, "metadata": string(meta),
		"message_id": "m1", "thread_id": "t1",
	})
	hooks.OnMessage(string(frame))

	waitFor(t, func() bool { return h.orch.Snapshot().Text == "" }, "turn reset")

	rec := h.rec.snapshot()
	require.NotEmpty(t, rec.messages)
	assert.Equal(t, "m1", rec.messages[len(rec.messages)-1].MessageID)

	// Next turn fires OnAssistantStart again.
	hooks.OnMessage(textFrame(3, "second turn"))
	waitFor(t, func() bool { return h.rec.snapshot().starts == 2 }, "second assistant start")
}

func TestOrchestratorConnErrorResolvesViaControlPlane(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.mu.Lock()
	h.ctrl.err = errors.New("control plane down")
	h.ctrl.mu.Unlock()

	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()
	hooks.OnError(errors.New("retries exhausted"))

	waitFor(t, func() bool { return len(h.rec.snapshot().closes) == 1 }, "error close")

	rec := h.rec.snapshot()
	assert.Equal(t, []string{"retries exhausted"}, rec.errors)
	assert.Equal(t, []domain.AgentStatus{domain.StatusError}, rec.closes)
}

func TestOrchestratorCleanCloseUsesBackendStatus(t *testing.T) {
	tests := []struct {
		name   string
		status domain.RunStatus
		err    error
		want   domain.AgentStatus
	}{
		{"backend completed", domain.RunStatusCompleted, nil, domain.StatusCompleted},
		{"backend stopped", domain.RunStatusStopped, nil, domain.StatusStopped},
		{"backend failed", domain.RunStatusFailed, nil, domain.StatusFailed},
		{"run gone", "", domain.ErrRunNotFound, domain.StatusCompleted},
		{"still running", domain.RunStatusRunning, nil, domain.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.ctrl.mu.Lock()
			h.ctrl.status = tt.status
			h.ctrl.err = tt.err
			h.ctrl.mu.Unlock()

			require.NoError(t, h.orch.StartStreaming("run1"))
			hooks := h.hooksFor("run1")
			hooks.OnOpen()
			hooks.OnClose()

			waitFor(t, func() bool { return len(h.rec.snapshot().closes) == 1 }, "resolution")
			assert.Equal(t, tt.want, h.rec.snapshot().closes[0])
		})
	}
}

func TestOrchestratorFinalizeOnce(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()

	// Terminal frame and a racing remote close both arrive.
	hooks.OnMessage("data: [DONE]")
	hooks.OnClose()
	hooks.OnClose()

	waitFor(t, func() bool { return len(h.rec.snapshot().closes) >= 1 }, "close")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []domain.AgentStatus{domain.StatusCompleted}, h.rec.snapshot().closes)
}

func TestOrchestratorStaleCallbacksDropped(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	oldHooks := h.hooksFor("run1")
	oldHooks.OnOpen()

	require.NoError(t, h.orch.StartStreaming("run2"))
	assert.True(t, h.connFor("run1").isDestroyed(), "previous connection torn down")

	newHooks := h.hooksFor("run2")
	newHooks.OnOpen()

	// Frames and closes from the superseded run must not leak through.
	oldHooks.OnMessage(textFrame(1, "stale"))
	oldHooks.OnClose()
	newHooks.OnMessage(textFrame(1, "live"))

	waitFor(t, func() bool { return h.orch.Snapshot().Text == "live" }, "live text")
	time.Sleep(50 * time.Millisecond)

	snap := h.orch.Snapshot()
	assert.Equal(t, "live", snap.Text)
	assert.Equal(t, "run2", snap.RunID)
	assert.Empty(t, h.rec.snapshot().closes)
}

func TestOrchestratorStopStreaming(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	h.hooksFor("run1").OnOpen()

	require.NoError(t, h.orch.StopStreaming())

	assert.True(t, h.connFor("run1").isDestroyed())
	assert.Equal(t, []string{"run1"}, h.ctrl.stopped())

	rec := h.rec.snapshot()
	require.Len(t, rec.closes, 1)
	assert.Equal(t, domain.StatusStopped, rec.closes[0])

	assert.ErrorIs(t, h.orch.StopStreaming(), domain.ErrNoActiveRun)
}

func TestOrchestratorBillingError(t *testing.T) {
	var mu sync.Mutex
	var gotMsg, gotBalance string
	h := newHarness(t, func(opts *Options) {
		opts.BillingHandler = func(message, balance string) {
			mu.Lock()
			gotMsg, gotBalance = message, balance
			mu.Unlock()
		}
	})

	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()
	hooks.OnMessage(`data: {"status":"error","message":"Your credit balance is -0.50"}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotMsg != ""
	}, "billing handler")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, gotMsg, "credit balance")
	assert.Equal(t, "-0.50", gotBalance)
	assert.Empty(t, h.rec.snapshot().errors, "billing routed away from generic error path")
}

func TestOrchestratorErrorFrameDoesNotFinalize(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()

	hooks.OnMessage(`{"status":"error","message":"transient upstream error"}`)
	hooks.OnMessage(textFrame(1, "still streaming"))

	waitFor(t, func() bool { return h.orch.Snapshot().Text == "still streaming" }, "stream continues")

	rec := h.rec.snapshot()
	assert.Equal(t, []string{"transient upstream error"}, rec.errors)
	assert.Empty(t, rec.closes)
	assert.Equal(t, "transient upstream error", h.orch.Snapshot().Error)
}

type fakeAdopter struct {
	conn   *fakeConn
	frames []string
}

func (a *fakeAdopter) Adopt(_ string, hooks ConnectionHooks) (Connection, bool) {
	if a.conn == nil {
		return nil, false
	}
	if hooks.OnOpen != nil {
		hooks.OnOpen()
	}
	for _, f := range a.frames {
		hooks.OnMessage(f)
	}
	return a.conn, true
}

func TestOrchestratorResumeAdoptsPreconnectedStream(t *testing.T) {
	adopted := &fakeConn{connected: true}
	h := newHarness(t, func(opts *Options) {
		opts.Adopter = &fakeAdopter{
			conn:   adopted,
			frames: []string{textFrame(1, "buffered "), textFrame(2, "frames")},
		}
	})

	require.NoError(t, h.orch.ResumeStream("run1"))

	waitFor(t, func() bool { return h.orch.Snapshot().Text == "buffered frames" }, "replayed frames")
	assert.Contains(t, h.rec.snapshot().statuses, domain.StatusReconnecting)

	// No fresh connection was dialed.
	assert.Nil(t, h.connFor("run1"))
}

func TestOrchestratorResumeFallsBackToFreshConnection(t *testing.T) {
	h := newHarness(t, func(opts *Options) {
		opts.Adopter = &fakeAdopter{}
	})

	require.NoError(t, h.orch.ResumeStream("run1"))
	require.NotNil(t, h.connFor("run1"))
	assert.True(t, h.connFor("run1").IsActive())
}

func TestOrchestratorReasoningBuffer(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.StartStreaming("run1"))
	hooks := h.hooksFor("run1")
	hooks.OnOpen()

	meta, _ := json.Marshal(map[string]string{"stream_status": "chunk", "reasoning_content": "step one. "})
	frame, _ := json.Marshal(map[string]any{"type": "assistant", "sequence": 1, "metadata": string(meta)})
	hooks.OnMessage(string(frame))

	meta2, _ := json.Marshal(map[string]string{"stream_status": "chunk", "reasoning_content": "step two."})
	frame2, _ := json.Marshal(map[string]any{"type": "assistant", "sequence": 2, "metadata": string(meta2)})
	hooks.OnMessage(string(frame2))

	waitFor(t, func() bool { return h.orch.Snapshot().Reasoning == "step one. step two." }, "reasoning")
}
