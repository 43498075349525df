// Package worker is the chat orchestrator: it ingests chat activity
// from the relay by polling and by push events, fans chat ids through
// a deduplicated bounded queue into a small processing pool, drives
// the tool-call loop for each new visitor message, and periodically
// probes and publishes backend health.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbabbott/terrarium-worker/internal/agentclient"
	"github.com/mbabbott/terrarium-worker/internal/chatlog"
	"github.com/mbabbott/terrarium-worker/internal/conversation"
	"github.com/mbabbott/terrarium-worker/internal/relay"
	"github.com/mbabbott/terrarium-worker/internal/status"
	"github.com/mbabbott/terrarium-worker/internal/tools"
)

// Fallback strings delivered when a response cannot be generated. The
// widget always receives a terminal message for every visitor turn,
// never silence.
const (
	FallbackServiceTrouble = "I had trouble talking to Terra's core service. Please try again shortly."
	FallbackUnexpected     = "Terra hit an unexpected issue. Please try again in a moment."
)

// Agent is the inference client surface the worker drives. Implemented
// by *agentclient.Client.
type Agent interface {
	Chat(ctx context.Context, req agentclient.ChatRequest) (agentclient.Message, float64, error)
	CheckAPIStatus(ctx context.Context) (status.Level, string)
	ProbeLLM(ctx context.Context) (float64, error)
	SystemPrompt() string
}

// Relay is the relay client surface the worker drives. Implemented by
// *relay.Client.
type Relay interface {
	FetchOpenChats(ctx context.Context) ([]string, error)
	FetchMessages(ctx context.Context, chatID string) ([]relay.Message, error)
	PostAgentMessage(ctx context.Context, chatID, content string) error
	PostAgentChunk(ctx context.Context, chatID, content string, done bool) error
	PostWorkerStatus(ctx context.Context, report status.Report) error
	PostWorkerState(ctx context.Context, chatID string, state relay.WorkerState, detail string) error
}

// StatusSink receives a copy of each published status report (the MQTT
// mirror). Optional and best-effort.
type StatusSink interface {
	PublishStatus(ctx context.Context, report status.Report) error
}

// Config holds orchestration cadence and budgets. Zero values fall
// back to the documented defaults.
type Config struct {
	PollInterval time.Duration
	// SuppressPollWhenPushConnected skips poll ticks while PushLive
	// reports a live push stream.
	SuppressPollWhenPushConnected bool
	MaxTurns                      int
	MaxToolIterations             int
	StatusProbeInterval           time.Duration
	LLMProbeInterval              time.Duration
	QueueWorkers                  int
	QueueSize                     int
	StaleAfter                    time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 16
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 8
	}
	if c.StatusProbeInterval <= 0 {
		c.StatusProbeInterval = 30 * time.Second
	}
	if c.LLMProbeInterval <= 0 {
		c.LLMProbeInterval = 180 * time.Second
	}
	if c.QueueWorkers <= 0 {
		c.QueueWorkers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Hour
	}
}

// Worker owns the conversation store and all orchestration state.
type Worker struct {
	relay    Relay
	agent    Agent
	executor tools.Executor
	toolDefs []map[string]any
	store    *conversation.Store
	events   *chatlog.Logger // nil = disabled
	mirror   StatusSink      // nil = disabled
	cfg      Config
	logger   *slog.Logger

	// PushLive reports whether the push-event stream is connected, for
	// poll suppression. Nil means no push stream is configured.
	pushLive func() bool

	queue chan string

	mu        sync.Mutex
	pending   map[string]struct{} // chat ids queued or in flight
	processed map[string]struct{} // visitor message ids already answered

	statusMu       sync.Mutex
	agentAPIStatus status.ComponentStatus
	llmStatus      status.ComponentStatus
}

// Options bundles the collaborators for New.
type Options struct {
	Relay    Relay
	Agent    Agent
	Executor tools.Executor
	// ToolDefs are the schemas attached to every tool-loop completion.
	// Nil defaults to tools.Definitions().
	ToolDefs []map[string]any
	Events   *chatlog.Logger
	Mirror   StatusSink
	PushLive func() bool
	Config   Config
	Logger   *slog.Logger
}

// New creates a Worker.
func New(opts Options) *Worker {
	cfg := opts.Config
	cfg.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defs := opts.ToolDefs
	if defs == nil {
		defs = tools.Definitions()
	}

	return &Worker{
		relay:          opts.Relay,
		agent:          opts.Agent,
		executor:       opts.Executor,
		toolDefs:       defs,
		store:          conversation.NewStore(),
		events:         opts.Events,
		mirror:         opts.Mirror,
		cfg:            cfg,
		logger:         logger.With("component", "worker"),
		pushLive:       opts.PushLive,
		queue:          make(chan string, cfg.QueueSize),
		pending:        make(map[string]struct{}),
		processed:      make(map[string]struct{}),
		agentAPIStatus: status.NewComponentStatus(),
		llmStatus:      status.NewComponentStatus(),
	}
}

// Run starts the status loop and the queue workers, then polls in the
// foreground until ctx is cancelled. It returns only after every
// background goroutine has exited.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval.String(),
		"queue_workers", w.cfg.QueueWorkers,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.statusLoop(ctx)
	}()
	for i := 0; i < w.cfg.QueueWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.queueWorker(ctx)
		}()
	}

	w.pollLoop(ctx)
	wg.Wait()
	w.logger.Info("worker stopped")
}

// Enqueue adds a chat id to the dispatch queue unless it is already
// queued or in flight. Safe for concurrent use; this is the entry
// point for both ingestion sources.
func (w *Worker) Enqueue(chatID string) {
	if chatID == "" {
		return
	}

	w.mu.Lock()
	if _, ok := w.pending[chatID]; ok {
		w.mu.Unlock()
		return
	}
	w.pending[chatID] = struct{}{}
	w.mu.Unlock()

	select {
	case w.queue <- chatID:
	default:
		// Queue full: release the reservation so a later event can
		// re-enqueue once there is room.
		w.mu.Lock()
		delete(w.pending, chatID)
		w.mu.Unlock()
		w.logger.Warn("dispatch queue full, dropping chat", "chat_id", chatID)
	}
}

// inFlight reports whether a chat id is queued or being processed.
func (w *Worker) inFlight(chatID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[chatID]
	return ok
}

// pollLoop enqueues the relay's open chats on a fixed cadence, starting
// with an immediate tick so chats open at startup are not left waiting
// out the first interval. Tick failures are logged and the loop
// continues.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.pollTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollTick(ctx)
		}
	}
}

func (w *Worker) pollTick(ctx context.Context) {
	if w.cfg.SuppressPollWhenPushConnected && w.pushLive != nil && w.pushLive() {
		w.logger.Debug("skipping poll, push stream is connected")
		return
	}
	if err := w.tick(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("worker tick failed", "error", err)
	}
}

// tick fetches the open-chat set and enqueues each id.
func (w *Worker) tick(ctx context.Context) error {
	chatIDs, err := w.relay.FetchOpenChats(ctx)
	if err != nil {
		return err
	}
	for _, id := range chatIDs {
		w.Enqueue(id)
	}
	return nil
}

// queueWorker pulls chat ids and processes each to completion. The
// pending reservation is released only after processing finishes, so a
// chat id is never processed concurrently with itself.
func (w *Worker) queueWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chatID := <-w.queue:
			w.processOne(ctx, chatID)
		}
	}
}

func (w *Worker) processOne(ctx context.Context, chatID string) {
	defer func() {
		w.mu.Lock()
		delete(w.pending, chatID)
		w.mu.Unlock()
	}()

	if err := w.processChat(ctx, chatID); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("queue worker failed for chat", "chat_id", chatID, "error", err)
	}
}

// statusLoop probes backend health on a fixed cadence, probes LLM
// liveness on a longer one, publishes the combined report after each
// cycle, and sweeps stale conversations. The first cycle runs
// immediately so the relay gets a status report at startup rather
// than after the first interval. Probe and publish failures never
// escape the loop iteration.
func (w *Worker) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StatusProbeInterval)
	defer ticker.Stop()

	w.statusCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("status loop stopped")
			return
		case <-ticker.C:
			w.statusCycle(ctx)
		}
	}
}

func (w *Worker) statusCycle(ctx context.Context) {
	w.probeAgentAPI(ctx)
	w.maybeProbeLLM(ctx)
	w.publishStatus(ctx)

	if removed := w.store.Sweep(w.cfg.StaleAfter, w.inFlight); removed > 0 {
		w.logger.Info("swept stale conversations", "removed", removed)
	}
}

func (w *Worker) probeAgentAPI(ctx context.Context) {
	level, detail := w.agent.CheckAPIStatus(ctx)
	w.statusMu.Lock()
	w.agentAPIStatus.Mark(level, detail)
	w.statusMu.Unlock()
}

// maybeProbeLLM runs the liveness completion only when the last probe
// is older than the LLM probe interval, so the status cadence does not
// flood the inference endpoint with real completions.
func (w *Worker) maybeProbeLLM(ctx context.Context) {
	w.statusMu.Lock()
	recent := w.llmStatus.Checked() && time.Since(w.llmStatus.CheckedAt) < w.cfg.LLMProbeInterval
	w.statusMu.Unlock()
	if recent {
		return
	}

	latencyMS, err := w.agent.ProbeLLM(ctx)
	w.statusMu.Lock()
	if err != nil {
		w.llmStatus.Mark(status.Offline, err.Error())
	} else {
		w.llmStatus.MarkLatency(status.Online, "", latencyMS)
	}
	w.statusMu.Unlock()
}

// markLLM records an LLM status observation from the processing path.
func (w *Worker) markLLM(level status.Level, detail string, latencyMS float64, hasLatency bool) {
	w.statusMu.Lock()
	if hasLatency {
		w.llmStatus.MarkLatency(level, detail, latencyMS)
	} else {
		w.llmStatus.Mark(level, detail)
	}
	w.statusMu.Unlock()
}

// publishStatus pushes the combined report to the relay and the
// optional mirror. Best-effort: failures are logged and the next cycle
// tries again.
func (w *Worker) publishStatus(ctx context.Context) {
	w.statusMu.Lock()
	report := status.Report{AgentAPI: w.agentAPIStatus, LLM: w.llmStatus}
	w.statusMu.Unlock()

	if err := w.relay.PostWorkerStatus(ctx, report); err != nil {
		w.logger.Warn("unable to publish worker status", "error", err)
	}
	if w.mirror != nil {
		if err := w.mirror.PublishStatus(ctx, report); err != nil {
			w.logger.Warn("unable to mirror worker status", "error", err)
		}
	}
}
