package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/prompt"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/sessions"
	"github.com/moziai/mozi/internal/tools"
	"github.com/moziai/mozi/internal/tracing"
)

// scriptProvider pops one response per Chat call.
func scriptProvider(p *fakeProvider, responses ...func(req providers.ChatRequest) (*providers.ChatResponse, error)) *[]providers.ChatRequest {
	var seen []providers.ChatRequest
	i := 0
	p.chatFn = func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		seen = append(seen, req)
		if i >= len(responses) {
			return &providers.ChatResponse{Content: "script exhausted", FinishReason: "stop"}, nil
		}
		fn := responses[i]
		i++
		return fn(req)
	}
	return &seen
}

func textResponse(text string) func(providers.ChatRequest) (*providers.ChatResponse, error) {
	return func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			Content:      text,
			FinishReason: "stop",
			Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func toolCallResponse(calls ...providers.ToolCall) func(providers.ChatRequest) (*providers.ChatResponse, error) {
	return func(providers.ChatRequest) (*providers.ChatResponse, error) {
		blocks := providers.BlockList{}
		for _, tc := range calls {
			blocks = append(blocks, providers.ToolUseBlock(tc.ID, tc.Name, tc.Arguments))
		}
		return &providers.ChatResponse{
			Blocks:       blocks,
			ToolCalls:    calls,
			FinishReason: "tool_use",
			Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func newTestRunner(rig *testRig, onEvent func(AgentEvent)) *Runner {
	return NewRunner(RunnerConfig{
		Registry:  rig.registry,
		Tools:     rig.tools,
		Sessions:  rig.sessions,
		Lifecycle: bus.NewLifecycleBus(),
		OnEvent:   onEvent,
	})
}

func TestRunTextReply(t *testing.T) {
	rig := newTestRig(t)
	seen := scriptProvider(rig.provider, textResponse("The answer is 4."))

	var events []AgentEvent
	runner := newTestRunner(rig, func(ev AgentEvent) { events = append(events, ev) })

	key := "agent:main:cli:dm:r1"
	res, err := runner.Run(context.Background(), RunRequest{
		SessionKey: key,
		Content:    "what is 2+2?",
		Channel:    "cli",
		PeerID:     "r1",
		PeerKind:   "dm",
	})
	if err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	if res.Content != "The answer is 4." {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}
	if res.RunID == "" {
		t.Error("RunID not generated")
	}
	if res.Usage == nil || res.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", res.Usage)
	}

	if len(*seen) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(*seen))
	}
	if (*seen)[0].System == "" {
		t.Error("chat request missing system prompt")
	}
	if got := len((*seen)[0].Messages); got != 1 {
		t.Errorf("chat messages = %d, want 1", got)
	}

	sess, ok := rig.sessions.Get(key)
	if !ok {
		t.Fatal("session not persisted")
	}
	if len(sess.Context) != 2 {
		t.Fatalf("persisted context = %d messages, want 2", len(sess.Context))
	}
	if sess.Context[0].Role != providers.RoleUser || sess.Context[1].Role != providers.RoleAssistant {
		t.Errorf("roles = %s, %s", sess.Context[0].Role, sess.Context[1].Role)
	}
	if sess.Metadata["lastChannel"] != "cli" {
		t.Errorf("lastChannel = %v", sess.Metadata["lastChannel"])
	}
	if metaInt(sess.Metadata, "promptTokens") != 10 {
		t.Errorf("promptTokens = %v", sess.Metadata["promptTokens"])
	}

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	if len(types) < 2 || types[0] != "run.started" || types[len(types)-1] != "run.completed" {
		t.Errorf("event sequence = %v", types)
	}
}

func TestRunToolRound(t *testing.T) {
	rig := newTestRig(t)

	var gotArgs map[string]interface{}
	var gotCtx tools.RunContext
	rig.tools.Register(&stubTool{name: "exec", fn: func(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
		gotArgs = args
		gotCtx = tools.RunContextFrom(ctx)
		return tools.NewResult("total 0"), nil
	}})

	seen := scriptProvider(rig.provider,
		toolCallResponse(providers.ToolCall{ID: "call_1", Name: "exec", Arguments: map[string]interface{}{"command": "ls"}}),
		textResponse("The directory is empty."),
	)

	var events []AgentEvent
	runner := newTestRunner(rig, func(ev AgentEvent) { events = append(events, ev) })

	key := "agent:main:cli:dm:r2"
	res, err := runner.Run(context.Background(), RunRequest{
		SessionKey: key,
		Content:    "list the files",
		Channel:    "cli",
		PeerKind:   "dm",
	})
	if err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	if res.Content != "The directory is empty." {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}
	if gotArgs["command"] != "ls" {
		t.Errorf("tool args = %v", gotArgs)
	}
	if gotCtx.SessionKey != key || gotCtx.AgentID != "main" {
		t.Errorf("run context = %+v", gotCtx)
	}

	// Second chat call must carry the full round: user, assistant
	// tool_use, toolResult.
	if len(*seen) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(*seen))
	}
	round := (*seen)[1].Messages
	if len(round) != 3 {
		t.Fatalf("second call messages = %d, want 3", len(round))
	}
	if round[1].Role != providers.RoleAssistant || len(round[1].Content.ToolUses()) != 1 {
		t.Error("assistant tool_use message missing from transcript")
	}
	if round[2].Role != providers.RoleToolResult || round[2].ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", round[2])
	}
	if !strings.Contains(round[2].TextContent(), "total 0") {
		t.Errorf("tool result content = %q", round[2].TextContent())
	}

	sess, _ := rig.sessions.Get(key)
	if len(sess.Context) != 4 {
		t.Errorf("persisted context = %d messages, want 4", len(sess.Context))
	}

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{"run.started", "tool.call", "tool.result", "run.completed"}
	for _, w := range want {
		found := false
		for _, ty := range types {
			if ty == w {
				found = true
			}
		}
		if !found {
			t.Errorf("event %q missing from %v", w, types)
		}
	}
}

func TestRunParallelToolsKeepCallOrder(t *testing.T) {
	rig := newTestRig(t)
	// Slowest first: completion order is the reverse of call order.
	delays := map[string]time.Duration{"t1": 30 * time.Millisecond, "t2": 15 * time.Millisecond, "t3": 0}
	rig.tools.Register(&stubTool{name: "exec", fn: func(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
		id, _ := args["id"].(string)
		time.Sleep(delays[id])
		return tools.NewResult("done " + id), nil
	}})

	scriptProvider(rig.provider,
		toolCallResponse(
			providers.ToolCall{ID: "t1", Name: "exec", Arguments: map[string]interface{}{"id": "t1"}},
			providers.ToolCall{ID: "t2", Name: "exec", Arguments: map[string]interface{}{"id": "t2"}},
			providers.ToolCall{ID: "t3", Name: "exec", Arguments: map[string]interface{}{"id": "t3"}},
		),
		textResponse("all done"),
	)
	runner := newTestRunner(rig, nil)

	key := "agent:main:cli:dm:r3"
	if _, err := runner.Run(context.Background(), RunRequest{SessionKey: key, Content: "run three", Channel: "cli"}); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	sess, _ := rig.sessions.Get(key)
	var resultIDs []string
	for _, m := range sess.Context {
		if m.Role == providers.RoleToolResult {
			resultIDs = append(resultIDs, m.ToolCallID)
		}
	}
	if len(resultIDs) != 3 || resultIDs[0] != "t1" || resultIDs[1] != "t2" || resultIDs[2] != "t3" {
		t.Errorf("tool result order = %v, want [t1 t2 t3]", resultIDs)
	}
}

func TestRunSuppressesNoReply(t *testing.T) {
	rig := newTestRig(t)
	scriptProvider(rig.provider, textResponse(prompt.NoReplyToken))
	runner := newTestRunner(rig, nil)

	key := "agent:main:cli:dm:r4"
	res, err := runner.Run(context.Background(), RunRequest{SessionKey: key, Content: "nothing to say", Channel: "cli"})
	if err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	if res.Content != "" {
		t.Errorf("Content = %q, want suppressed", res.Content)
	}
	// The token stays in the transcript so the model sees its own
	// decision on the next turn.
	sess, _ := rig.sessions.Get(key)
	if len(sess.Context) != 2 || !strings.Contains(sess.Context[1].TextContent(), prompt.NoReplyToken) {
		t.Error("NO_REPLY turn missing from persisted transcript")
	}
}

func TestRunEmptyReply(t *testing.T) {
	t.Run("plain empty falls back to ellipsis", func(t *testing.T) {
		rig := newTestRig(t)
		scriptProvider(rig.provider, textResponse(""))
		runner := newTestRunner(rig, nil)

		res, err := runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:cli:dm:r5", Content: "hm", Channel: "cli"})
		if err != nil {
			t.Fatal(err)
		}
		runner.Wait()
		if res.Content != emptyReplyFallback {
			t.Errorf("Content = %q, want %q", res.Content, emptyReplyFallback)
		}
	})

	t.Run("async tool makes empty silent", func(t *testing.T) {
		rig := newTestRig(t)
		rig.tools.Register(&stubTool{name: "exec", fn: func(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
			return tools.AsyncResult("started in background"), nil
		}})
		scriptProvider(rig.provider,
			toolCallResponse(providers.ToolCall{ID: "a1", Name: "exec", Arguments: map[string]interface{}{}}),
			textResponse(""),
		)
		runner := newTestRunner(rig, nil)

		res, err := runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:cli:dm:r6", Content: "spawn it", Channel: "cli"})
		if err != nil {
			t.Fatal(err)
		}
		runner.Wait()
		if res.Content != "" {
			t.Errorf("Content = %q, want silent", res.Content)
		}
	})
}

func TestRunOverflowCompactsAndRetries(t *testing.T) {
	rig := newTestRig(t)
	key := "agent:compactor:cli:dm:r7"

	if _, err := rig.sessions.GetOrCreate(key, "compactor"); err != nil {
		t.Fatal(err)
	}
	var history []providers.Message
	for i := 0; i < 6; i++ {
		history = append(history,
			providers.NewUserMessage(strings.Repeat("x", 4000)),
			providers.Message{Role: providers.RoleAssistant, Content: providers.BlockList{providers.TextBlock(strings.Repeat("y", 4000))}},
		)
	}
	if _, err := rig.sessions.Update(key, sessions.Update{Context: history}); err != nil {
		t.Fatal(err)
	}

	calls := 0
	rig.provider.chatFn = func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("400: prompt is too long: 22000 tokens > 20000 maximum")
		}
		// Summarizer calls and the retry both land here.
		return &providers.ChatResponse{Content: "recovered", FinishReason: "stop"}, nil
	}
	runner := newTestRunner(rig, nil)

	res, err := runner.Run(context.Background(), RunRequest{SessionKey: key, AgentID: "compactor", Content: "continue", Channel: "cli"})
	if err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	if res.Content != "recovered" {
		t.Errorf("Content = %q", res.Content)
	}
	// The overflow retry must not burn an iteration.
	if res.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", res.Iterations)
	}

	sess, _ := rig.sessions.Get(key)
	if len(sess.Context) == 0 {
		t.Fatal("persisted context empty")
	}
	if !strings.HasPrefix(sess.Context[0].TextContent(), strings.TrimSpace(summaryMessagePrefix)) {
		t.Error("compacted transcript does not start with the summary message")
	}
	if len(sess.Context) >= len(history)+2 {
		t.Errorf("context len = %d, want shorter than the original %d", len(sess.Context), len(history)+2)
	}
}

func TestRunPersistentOverflowFails(t *testing.T) {
	rig := newTestRig(t)
	key := "agent:compactor:cli:dm:r8"

	if _, err := rig.sessions.GetOrCreate(key, "compactor"); err != nil {
		t.Fatal(err)
	}
	var history []providers.Message
	for i := 0; i < 6; i++ {
		history = append(history,
			providers.NewUserMessage(strings.Repeat("x", 4000)),
			providers.Message{Role: providers.RoleAssistant, Content: providers.BlockList{providers.TextBlock(strings.Repeat("y", 4000))}},
		)
	}
	if _, err := rig.sessions.Update(key, sessions.Update{Context: history}); err != nil {
		t.Fatal(err)
	}

	rig.provider.chatFn = func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, errors.New("400: prompt is too long: 22000 tokens > 20000 maximum")
	}
	lifecycle := bus.NewLifecycleBus()
	var phases []string
	var lastErr string
	lifecycle.Subscribe(func(ev bus.RunEvent) {
		if ev.Stream != bus.StreamLifecycle || ev.SessionKey != key {
			return
		}
		data := ev.Data.(bus.LifecycleData)
		phases = append(phases, data.Phase)
		if data.Phase == bus.PhaseError {
			lastErr = data.Error
		}
	})
	runner := NewRunner(RunnerConfig{
		Registry:  rig.registry,
		Tools:     rig.tools,
		Sessions:  rig.sessions,
		Lifecycle: lifecycle,
	})

	_, err := runner.Run(context.Background(), RunRequest{SessionKey: key, AgentID: "compactor", Content: "continue", Channel: "cli"})
	if err == nil {
		t.Fatal("expected error")
	}
	runner.Wait()

	if !IsCompactionFailure(err.Error()) {
		t.Errorf("error %q not classified as compaction failure", err)
	}
	// The failed turn reports start then error on the lifecycle stream.
	if len(phases) != 2 || phases[0] != bus.PhaseStart || phases[1] != bus.PhaseError {
		t.Errorf("lifecycle phases = %v, want [start error]", phases)
	}
	if !IsCompactionFailure(lastErr) {
		t.Errorf("lifecycle error %q not classified as compaction failure", lastErr)
	}
	// A failed turn never flushes: persisted history is untouched.
	sess, _ := rig.sessions.Get(key)
	if len(sess.Context) != len(history) {
		t.Errorf("context len = %d, want %d", len(sess.Context), len(history))
	}
}

func TestRunCancellationKeepsCompletedMessages(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	rig.provider.chatFn = func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	runner := newTestRunner(rig, nil)

	key := "agent:main:cli:dm:r9"
	_, err := runner.Run(ctx, RunRequest{SessionKey: key, Content: "slow question", Channel: "cli"})
	if err == nil {
		t.Fatal("expected error")
	}
	runner.Wait()

	if !strings.Contains(err.Error(), "run aborted") {
		t.Errorf("err = %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in chain", err)
	}
	// The user message survives the abort so the turn can be retried
	// with context intact.
	sess, ok := rig.sessions.Get(key)
	if !ok {
		t.Fatal("session not persisted")
	}
	if len(sess.Context) != 1 || sess.Context[0].Role != providers.RoleUser {
		t.Errorf("persisted context = %d messages", len(sess.Context))
	}
}

func TestRunTruncatesOversizedMessage(t *testing.T) {
	rig := newTestRig(t)
	seen := scriptProvider(rig.provider, textResponse("got it"))
	runner := newTestRunner(rig, nil)

	long := strings.Repeat("z", maxMessageChars+5000)
	if _, err := runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:cli:dm:r10", Content: long, Channel: "cli"}); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	if len(*seen) != 1 {
		t.Fatalf("provider calls = %d", len(*seen))
	}
	sent := (*seen)[0].Messages[0].TextContent()
	if len(sent) >= len(long) {
		t.Errorf("message not truncated: %d chars", len(sent))
	}
	if !strings.Contains(sent, "[System: Message was truncated") {
		t.Error("truncation notice missing")
	}
}

func TestRunAppendsChannelContextOnce(t *testing.T) {
	rig := newTestRig(t)
	seen := scriptProvider(rig.provider, textResponse("hello there"), textResponse("still here"))
	runner := newTestRunner(rig, nil)

	key := "agent:main:telegram:dm:u42"
	req := RunRequest{
		SessionKey: key,
		Content:    "hello",
		Channel:    "telegram",
		PeerID:     "u42",
		PeerKind:   "dm",
		SenderID:   "u42",
		SenderName: "Ada",
	}
	if _, err := runner.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	first := (*seen)[0].Messages[0].TextContent()
	if !strings.HasPrefix(first, "hello\n\n# Channel Context") {
		t.Fatalf("first message = %q, want channel context appended", first)
	}
	for _, want := range []string{"- channel: telegram", "- peerType: dm", "- peerId: u42", "- senderName: Ada", "- timestamp: "} {
		if !strings.Contains(first, want) {
			t.Errorf("channel context missing %q", want)
		}
	}

	req.Content = "second"
	if _, err := runner.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	sess, _ := rig.sessions.Get(key)
	var joined strings.Builder
	for _, m := range sess.Context {
		joined.WriteString(m.TextContent())
	}
	if n := strings.Count(joined.String(), "# Channel Context"); n != 1 {
		t.Errorf("transcript has %d channel context blocks, want 1", n)
	}
}

func TestRunStopsAtMaxToolIterations(t *testing.T) {
	rig := newTestRig(t)
	rig.cfg.Agents.List["looper"] = rig.cfg.Agents.List["main"]
	spec := rig.cfg.Agents.List["looper"]
	spec.MaxToolIterations = 3
	rig.cfg.Agents.List["looper"] = spec

	calls := 0
	rig.provider.chatFn = func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		calls++
		tc := providers.ToolCall{ID: "loop", Name: "exec", Arguments: map[string]interface{}{}}
		return &providers.ChatResponse{
			Blocks:       providers.BlockList{providers.ToolUseBlock(tc.ID, tc.Name, tc.Arguments)},
			ToolCalls:    []providers.ToolCall{tc},
			FinishReason: "tool_use",
		}, nil
	}
	runner := newTestRunner(rig, nil)

	res, err := runner.Run(context.Background(), RunRequest{
		SessionKey: "agent:looper:cli:dm:r11",
		AgentID:    "looper",
		Content:    "loop forever",
		Channel:    "cli",
	})
	if err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	if calls != 3 {
		t.Errorf("provider calls = %d, want 3", calls)
	}
	if res.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", res.Iterations)
	}
	if res.Content != emptyReplyFallback {
		t.Errorf("Content = %q, want fallback", res.Content)
	}
}

func TestRunAbortsOnFatalToolResult(t *testing.T) {
	rig := newTestRig(t)
	rig.tools.Register(&stubTool{name: "exec", fn: func(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
		res := tools.ErrorResult("docker daemon unreachable")
		res.Fatal = true
		return res, nil
	}})
	scriptProvider(rig.provider,
		toolCallResponse(providers.ToolCall{ID: "f1", Name: "exec", Arguments: map[string]interface{}{"command": "ls"}}),
		textResponse("never reached"),
	)
	runner := newTestRunner(rig, nil)

	key := "agent:main:cli:dm:r12"
	_, err := runner.Run(context.Background(), RunRequest{SessionKey: key, Content: "run it", Channel: "cli"})
	if err == nil {
		t.Fatal("expected error")
	}
	runner.Wait()

	if !strings.Contains(err.Error(), "docker daemon unreachable") {
		t.Errorf("err = %v", err)
	}
	// The turn never happened from the session's point of view.
	if sess, ok := rig.sessions.Get(key); ok && len(sess.Context) != 0 {
		t.Errorf("failed turn flushed %d messages", len(sess.Context))
	}
}

func TestRunEmitsSpans(t *testing.T) {
	rig := newTestRig(t)
	rig.tools.Register(&stubTool{name: "exec", fn: func(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
		return tools.NewResult("ok"), nil
	}})
	scriptProvider(rig.provider,
		toolCallResponse(providers.ToolCall{ID: "c1", Name: "exec", Arguments: map[string]interface{}{}}),
		textResponse("done"),
	)

	collector := tracing.NewCollector(nil)
	runner := NewRunner(RunnerConfig{
		Registry: rig.registry,
		Tools:    rig.tools,
		Sessions: rig.sessions,
		Tracer:   collector,
	})

	res, err := runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:cli:dm:r13", Content: "trace me", Channel: "cli"})
	if err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	stats := collector.Stats()
	if stats.Runs != 1 || stats.Failed != 0 || stats.ActiveRuns != 0 {
		t.Errorf("run counters = %+v", stats)
	}
	if stats.ModelCalls != 2 || stats.ToolCalls != 1 {
		t.Errorf("call counters = %+v", stats)
	}
	if stats.InputTokens != 20 || stats.OutputTokens != 10 {
		t.Errorf("token counters = %+v", stats)
	}

	spans := collector.Recent(0)
	if len(spans) != 4 {
		t.Fatalf("spans = %d, want 4", len(spans))
	}
	// Newest first: run, final model call, tool, first model call.
	if spans[0].Kind != tracing.KindRun || spans[0].AgentID != "main" {
		t.Errorf("run span = %+v", spans[0])
	}
	if spans[1].Kind != tracing.KindModelCall || !strings.HasSuffix(spans[1].Name, "#2") {
		t.Errorf("second model span = %+v", spans[1])
	}
	if spans[2].Kind != tracing.KindToolCall || spans[2].Name != "exec" || spans[2].RunID != res.RunID {
		t.Errorf("tool span = %+v", spans[2])
	}
}

func TestRunLifecycleEvents(t *testing.T) {
	rig := newTestRig(t)
	scriptProvider(rig.provider, textResponse("ok"))

	lifecycle := bus.NewLifecycleBus()
	var phases []string
	unsub := lifecycle.Subscribe(func(ev bus.RunEvent) {
		if ev.Stream == bus.StreamLifecycle {
			if data, ok := ev.Data.(bus.LifecycleData); ok {
				phases = append(phases, data.Phase)
			}
		}
	})
	defer unsub()

	runner := NewRunner(RunnerConfig{
		Registry:  rig.registry,
		Tools:     rig.tools,
		Sessions:  rig.sessions,
		Lifecycle: lifecycle,
	})
	if _, err := runner.Run(context.Background(), RunRequest{SessionKey: "agent:main:cli:dm:r12", Content: "hi", Channel: "cli"}); err != nil {
		t.Fatal(err)
	}
	runner.Wait()

	if len(phases) != 2 || phases[0] != bus.PhaseStart || phases[1] != bus.PhaseEnd {
		t.Errorf("phases = %v, want [start end]", phases)
	}
}
