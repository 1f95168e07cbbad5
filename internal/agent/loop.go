package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/prompt"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/sessions"
	"github.com/moziai/mozi/internal/tools"
	"github.com/moziai/mozi/internal/tracing"
)

// maxMessageChars caps inbound message size. Oversized messages are
// truncated with a notice the model can act on.
const maxMessageChars = 32_000

// emptyReplyFallback is delivered when a run produces no usable text.
const emptyReplyFallback = "..."

// AgentEvent is a progress event emitted during a run. Gateway clients
// subscribe to these for streaming UIs.
type AgentEvent struct {
	Type    string      `json:"type"` // "run.started", "chunk", "tool.call", "tool.result", "run.completed", "run.failed"
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// RunRequest is one inbound message to process through the agent loop.
type RunRequest struct {
	SessionKey string
	AgentID    string // empty resolves the configured default
	Content    string
	Media      []bus.MediaAttachment

	Channel    string
	PeerID     string
	PeerKind   string
	AccountID  string
	ThreadID   string
	SenderID   string
	SenderName string

	RunID    string // empty generates one
	Stream   bool
	ModelRef string // optional model pin for this run

	// PromptMode/BasePrompt override system prompt assembly. Ephemeral
	// subagent runs use them to inherit the parent's prompt; zero values
	// keep the defaults.
	PromptMode prompt.Mode
	BasePrompt string
}

// RunResult is the output of a completed run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Registry  *Registry
	Tools     *tools.Registry
	Sessions  *sessions.Store
	Lifecycle *bus.LifecycleBus
	Tracer    *tracing.Collector // optional span collector
	OnEvent   func(AgentEvent)   // optional progress hook
}

// Runner executes agent turns: it acquires the session binding, drives
// the model/tool iteration loop, recovers from context overflow by
// compacting, and persists the transcript when the turn ends. Turns on
// the same session key are serialized by the binding's turn lock.
type Runner struct {
	registry  *Registry
	tools     *tools.Registry
	sessions  *sessions.Store
	lifecycle *bus.LifecycleBus
	tracer    *tracing.Collector
	onEvent   func(AgentEvent)

	activeRuns sync.WaitGroup
}

// NewRunner builds a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		registry:  cfg.Registry,
		tools:     cfg.Tools,
		sessions:  cfg.Sessions,
		lifecycle: cfg.Lifecycle,
		tracer:    cfg.Tracer,
		onEvent:   cfg.OnEvent,
	}
}

// Wait blocks until every in-flight run has finished. Shutdown calls it
// after the inbound consumer stops.
func (r *Runner) Wait() {
	r.activeRuns.Wait()
}

func (r *Runner) emit(ev AgentEvent) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// Run processes a single message and blocks until the turn completes.
// The turn is bounded by the agent's configured timeout.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	r.activeRuns.Add(1)
	defer r.activeRuns.Done()

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	b, err := r.registry.Acquire(req.SessionKey, AcquireOptions{
		AgentID:    req.AgentID,
		ChannelID:  req.Channel,
		PeerKind:   req.PeerKind,
		ModelRef:   req.ModelRef,
		PromptMode: req.PromptMode,
		BasePrompt: req.BasePrompt,
	})
	if err != nil {
		return nil, err
	}

	r.emit(AgentEvent{Type: "run.started", AgentID: b.AgentID, RunID: req.RunID})
	r.tracer.StartRun(req.RunID, req.SessionKey, b.AgentID)
	started := time.Now().UTC()
	if r.lifecycle != nil {
		r.lifecycle.PublishLifecycle(req.RunID, req.SessionKey, bus.LifecycleData{
			Phase:     bus.PhaseStart,
			StartedAt: &started,
		})
	}

	// One turn per session key at a time.
	b.LockTurn()
	result, err := func() (*RunResult, error) {
		timeout := time.Duration(b.Agent.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 300 * time.Second
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return r.runTurn(runCtx, b, req)
	}()
	b.UnlockTurn()

	ended := time.Now().UTC()
	r.tracer.EndRun(req.RunID, err)
	if err != nil {
		r.emit(AgentEvent{
			Type:    "run.failed",
			AgentID: b.AgentID,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		if r.lifecycle != nil {
			r.lifecycle.PublishLifecycle(req.RunID, req.SessionKey, bus.LifecycleData{
				Phase:   bus.PhaseError,
				EndedAt: &ended,
				Error:   err.Error(),
			})
		}
		return nil, err
	}

	r.emit(AgentEvent{Type: "run.completed", AgentID: b.AgentID, RunID: req.RunID})
	if r.lifecycle != nil {
		r.lifecycle.PublishLifecycle(req.RunID, req.SessionKey, bus.LifecycleData{
			Phase:   bus.PhaseEnd,
			EndedAt: &ended,
		})
	}

	// Shrink the transcript in the background when it has outgrown its
	// share of the window. The next turn on this key waits on the turn
	// lock either way, so delivery is never delayed by compaction.
	r.activeRuns.Add(1)
	go func() {
		defer r.activeRuns.Done()
		r.maybeCompact(b)
	}()

	return result, nil
}

func (r *Runner) runTurn(ctx context.Context, b *Binding, req RunRequest) (*RunResult, error) {
	content := req.Content
	if len(content) > maxMessageChars {
		originalLen := len(content)
		content = content[:maxMessageChars] +
			fmt.Sprintf("\n\n[System: Message was truncated from %d to %d characters due to size limit. "+
				"Ask the user to send shorter messages or use the read_file tool for large content.]",
				originalLen, maxMessageChars)
		slog.Warn("message truncated", "agent", b.AgentID, "session", req.SessionKey,
			"original_len", originalLen, "truncated_to", maxMessageChars)
	}

	// The opening message of a session carries the channel binding so
	// the model knows where the conversation lives. It flushes into the
	// transcript with the rest of the turn, so later turns never repeat it.
	history := b.Messages()
	if len(history) == 0 && req.Channel != "" {
		content += "\n\n" + prompt.BuildChannelContext(prompt.ChannelContext{
			Channel:    req.Channel,
			PeerType:   req.PeerKind,
			PeerID:     req.PeerID,
			AccountID:  req.AccountID,
			ThreadID:   req.ThreadID,
			SenderID:   req.SenderID,
			SenderName: req.SenderName,
			Timestamp:  time.Now().UTC(),
		})
	}

	userMsg := providers.NewUserMessage(content)
	if imgs := loadImageBlocks(req.Media); len(imgs) > 0 {
		userMsg.Content = append(userMsg.Content, imgs...)
	}

	// Working copy for this turn. The binding's list is replaced only
	// when the turn flushes, so a cancelled turn never leaks partial
	// state into the next one.
	messages := append(history, userMsg)

	toolCtx := tools.WithRunContext(tracing.WithRunID(ctx, req.RunID), tools.RunContext{
		SessionKey:     req.SessionKey,
		AgentID:        b.AgentID,
		Channel:        req.Channel,
		PeerID:         req.PeerID,
		PeerKind:       req.PeerKind,
		Workspace:      b.Agent.Workspace,
		ExecAllowlist:  b.Agent.ExecAllowlist,
		AllowedSecrets: b.Agent.AllowedSecrets,
	})

	maxIterations := b.Agent.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}

	var totalUsage providers.Usage
	var finalContent string
	var sawAsyncTool bool
	iteration := 0
	compacted := false

	for iteration < maxIterations {
		iteration++
		slog.Debug("agent iteration", "agent", b.AgentID, "iteration", iteration, "messages", len(messages))

		callStart := time.Now().UTC()
		resp, err := r.chat(ctx, b, req, messages)
		r.emitModelSpan(b, req, iteration, callStart, resp, err)
		if err != nil {
			if ctx.Err() != nil {
				// Timeout or cancellation: keep what completed.
				r.flush(b, req, messages, totalUsage)
				return nil, fmt.Errorf("run aborted (iteration %d): %w", iteration, ctx.Err())
			}
			if IsLikelyContextOverflow(err.Error()) {
				if compacted {
					return nil, fmt.Errorf("compaction failed: model still overflows after history compaction: %w", err)
				}
				compacted = true
				shrunk, cerr := r.compactForRetry(ctx, b, messages)
				if cerr != nil {
					return nil, fmt.Errorf("compaction failed: %w", cerr)
				}
				messages = shrunk
				iteration--
				continue
			}
			return nil, fmt.Errorf("chat failed (iteration %d): %w", iteration, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			b.Calibration().Observe(EstimateTokens(messages), resp.Usage.PromptTokens)
		}

		// The block-bearing assistant message is persisted verbatim so
		// thinking signatures survive replay; sanitized text is only
		// for delivery.
		assistantMsg := resp.AssistantMessage()
		messages = append(messages, assistantMsg)

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		results := r.executeToolCalls(toolCtx, b, req, resp.ToolCalls)
		if ctx.Err() != nil {
			// Cancelled mid-round: the results are cancellation noise.
			// Persist through the assistant message; pairing repair
			// resolves the dangling tool calls on the next install.
			r.flush(b, req, messages, totalUsage)
			return nil, fmt.Errorf("run aborted during tool execution: %w", ctx.Err())
		}
		var fatalErr error
		for _, tr := range results {
			if tr.result.Async {
				sawAsyncTool = true
			}
			if tr.result.Fatal && fatalErr == nil {
				fatalErr = fmt.Errorf("tool %s: %s", tr.tc.Name, tr.result.ForLLM)
			}
			messages = append(messages, providers.NewToolResultMessage(
				tr.tc.ID, tr.tc.Name, tr.result.ForLLM, tr.result.IsError))
		}
		if fatalErr != nil {
			// The execution backend is down; feeding the failure back to
			// the model would just burn iterations on the same error.
			return nil, fatalErr
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)

	// NO_REPLY stays in the transcript for context but suppresses
	// delivery.
	isSilent := IsSilentReply(finalContent)

	if finalContent == "" && !isSilent {
		if sawAsyncTool {
			// Spawned work announces its own completion.
			isSilent = true
		} else {
			finalContent = emptyReplyFallback
		}
	}

	r.flush(b, req, messages, totalUsage)

	if isSilent {
		slog.Info("suppressing silent reply", "agent", b.AgentID, "session", req.SessionKey)
		finalContent = ""
	}

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: iteration,
		Usage:      &totalUsage,
	}, nil
}

// chat performs one model call, streaming chunks to subscribers when
// requested.
func (r *Runner) chat(ctx context.Context, b *Binding, req RunRequest, messages []providers.Message) (*providers.ChatResponse, error) {
	spec := b.Spec()
	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	options := map[string]interface{}{
		providers.OptMaxTokens:   maxTokens,
		providers.OptTemperature: 0.7,
	}
	if lvl := b.ThinkingLevel(); lvl != "" {
		options[providers.OptThinkingLevel] = lvl
	}

	chatReq := providers.ChatRequest{
		System:   b.SystemPrompt(),
		Messages: messages,
		Tools:    b.ToolDefs(),
		Model:    spec.Model,
		Options:  options,
	}

	if req.Stream {
		return b.Provider().ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				r.emit(AgentEvent{
					Type:    "chunk",
					AgentID: b.AgentID,
					RunID:   req.RunID,
					Payload: map[string]string{"content": chunk.Content},
				})
			}
		})
	}
	return b.Provider().Chat(ctx, chatReq)
}

type toolRound struct {
	tc     providers.ToolCall
	result *tools.Result
}

// executeToolCalls runs one round of tool calls: sequential for a single
// call, parallel goroutines otherwise. Results come back in call order
// regardless of completion order.
func (r *Runner) executeToolCalls(ctx context.Context, b *Binding, req RunRequest, calls []providers.ToolCall) []toolRound {
	for _, tc := range calls {
		r.emit(AgentEvent{
			Type:    "tool.call",
			AgentID: b.AgentID,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID},
		})
		if r.lifecycle != nil {
			r.lifecycle.PublishTool(req.RunID, req.SessionKey, bus.ToolData{
				ToolName: tc.Name,
				Status:   bus.ToolCalled,
			})
		}
	}

	rounds := make([]toolRound, len(calls))
	if len(calls) == 1 {
		rounds[0] = toolRound{tc: calls[0], result: r.executeOne(ctx, b, calls[0])}
	} else {
		// Tool implementations take everything they need from the
		// context, so concurrent execution is safe. Results are
		// collected and re-ordered for deterministic transcripts.
		type indexedResult struct {
			idx    int
			tc     providers.ToolCall
			result *tools.Result
		}
		resultCh := make(chan indexedResult, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				resultCh <- indexedResult{idx: idx, tc: tc, result: r.executeOne(ctx, b, tc)}
			}(i, tc)
		}
		go func() { wg.Wait(); close(resultCh) }()

		collected := make([]indexedResult, 0, len(calls))
		for ir := range resultCh {
			collected = append(collected, ir)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
		for i, ir := range collected {
			rounds[i] = toolRound{tc: ir.tc, result: ir.result}
		}
	}

	for _, tr := range rounds {
		status := bus.ToolCompleted
		if tr.result.IsError {
			status = bus.ToolError
			errMsg := tr.result.ForLLM
			if len(errMsg) > 200 {
				errMsg = errMsg[:200] + "..."
			}
			slog.Warn("tool error", "agent", b.AgentID, "tool", tr.tc.Name, "error", errMsg)
		}
		r.emit(AgentEvent{
			Type:    "tool.result",
			AgentID: b.AgentID,
			RunID:   req.RunID,
			Payload: map[string]interface{}{
				"name":     tr.tc.Name,
				"id":       tr.tc.ID,
				"is_error": tr.result.IsError,
			},
		})
		if r.lifecycle != nil {
			r.lifecycle.PublishTool(req.RunID, req.SessionKey, bus.ToolData{
				ToolName: tr.tc.Name,
				Status:   status,
				Result:   truncateForEvent(tr.result.ForLLM),
			})
		}
	}
	return rounds
}

func (r *Runner) executeOne(ctx context.Context, b *Binding, tc providers.ToolCall) *tools.Result {
	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("tool call", "agent", b.AgentID, "tool", tc.Name, "args_len", len(argsJSON))
	start := time.Now().UTC()
	res := r.tools.Execute(ctx, tc.Name, tc.Arguments)
	r.emitToolSpan(ctx, b, tc, start, res)
	return res
}

func truncateForEvent(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}

// compactForRetry shrinks the working transcript after an overflow and
// returns the replacement message list.
func (r *Runner) compactForRetry(ctx context.Context, b *Binding, messages []providers.Message) ([]providers.Message, error) {
	var share float64
	if b.Agent.Compaction != nil {
		share = b.Agent.Compaction.MaxHistoryShare
	}
	res := CompactMessages(ctx, CompactOptions{
		Messages:            messages,
		ContextWindowTokens: b.Spec().EffectiveContextWindow(),
		MaxHistoryShare:     share,
		GenerateSummary:     r.registry.summaryFunc(b.Agent, b),
	})
	if res.DroppedCount == 0 {
		return nil, fmt.Errorf("nothing to compact in %d messages", len(messages))
	}
	slog.Info("compacted history after overflow",
		"session", b.SessionKey, "dropped", res.DroppedCount, "reclaimedTokens", res.TokensReclaimed)
	return append([]providers.Message{CreateSummaryMessage(res.Summary)}, res.KeptMessages...), nil
}

// flush replaces the binding's working list and persists the transcript
// with turn bookkeeping. Buffering until here keeps concurrent readers
// from seeing a half-finished turn.
func (r *Runner) flush(b *Binding, req RunRequest, messages []providers.Message, usage providers.Usage) {
	b.SetMessages(messages)

	meta := map[string]interface{}{
		"lastChannel": req.Channel,
		"lastModel":   b.ModelRef(),
	}
	if sess, ok := r.sessions.Get(req.SessionKey); ok {
		meta["promptTokens"] = metaInt(sess.Metadata, "promptTokens") + int64(usage.PromptTokens)
		meta["completionTokens"] = metaInt(sess.Metadata, "completionTokens") + int64(usage.CompletionTokens)
	} else {
		meta["promptTokens"] = int64(usage.PromptTokens)
		meta["completionTokens"] = int64(usage.CompletionTokens)
	}

	if _, err := r.sessions.Update(req.SessionKey, sessions.Update{
		Context:  messages,
		Metadata: meta,
	}); err != nil {
		slog.Error("failed to persist session", "session", req.SessionKey, "error", err)
	}
}

// metaInt reads a numeric metadata value; JSON round-trips store
// numbers as float64.
func metaInt(meta map[string]interface{}, key string) int64 {
	switch v := meta[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// maybeCompact opportunistically compacts a session after a turn. It
// skips silently when another turn already holds the key, and skips the
// summary round-trip while the calibrated estimate says history is still
// under its context share.
func (r *Runner) maybeCompact(b *Binding) {
	if !b.TryLockTurn() {
		return
	}
	defer b.UnlockTurn()

	usage, err := r.registry.GetContextUsage(b.SessionKey)
	if err != nil || usage.TotalTokens <= 0 {
		return
	}
	share := 0.5
	if b.Agent.Compaction != nil && b.Agent.Compaction.MaxHistoryShare > 0 {
		share = b.Agent.Compaction.MaxHistoryShare
	}
	if float64(b.Calibration().Scale(usage.UsedTokens)) <= share*float64(usage.TotalTokens) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if _, err := r.registry.Compact(ctx, b.SessionKey); err != nil {
		slog.Warn("background compaction failed", "session", b.SessionKey, "error", err)
	}
}
