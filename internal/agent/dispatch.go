package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/capability"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/sessions"
)

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Config   *config.Config
	Bus      bus.MessageRouter
	Runner   *Runner
	Registry *Registry
}

// Dispatcher connects the message bus to the agent runtime: it derives
// the session key for each inbound message, gates attachments through
// capability negotiation and modality routing, runs the turn, and
// publishes the reply.
type Dispatcher struct {
	cfg      *config.Config
	bus      bus.MessageRouter
	runner   *Runner
	registry *Registry

	mu     sync.Mutex
	active map[string][]*runHandle
}

// runHandle carries the cancel func of one in-flight run so Abort can
// stop it by session key.
type runHandle struct {
	cancel context.CancelFunc
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.Config,
		bus:      cfg.Bus,
		runner:   cfg.Runner,
		registry: cfg.Registry,
		active:   make(map[string][]*runHandle),
	}
}

// Start consumes inbound messages until ctx is cancelled. Each message
// is handled on its own goroutine; ordering within a session comes from
// the binding's turn lock, so concurrency only interleaves across
// sessions. Start returns once in-flight handlers have drained.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("dispatcher started")
	var wg sync.WaitGroup
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		wg.Add(1)
		go func(m bus.InboundMessage) {
			defer wg.Done()
			d.Handle(ctx, m)
		}(msg)
	}
	wg.Wait()
	d.runner.Wait()
	slog.Info("dispatcher stopped")
}

// SessionKeyFor derives the canonical session key for an inbound message.
func SessionKeyFor(msg bus.InboundMessage, agentID string) string {
	return sessions.KeyParts{
		AgentID:   agentID,
		ChannelID: msg.Channel,
		AccountID: msg.AccountID,
		PeerType:  sessions.PeerTypeFromGroup(msg.PeerKind == "group"),
		PeerID:    msg.PeerID,
		ThreadID:  msg.ThreadID,
	}.String()
}

// Handle processes one inbound message end to end. Failures are
// reported back on the originating channel.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.InboundMessage) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = d.cfg.ResolveDefaultAgentID()
	}
	key := msg.SessionKey
	if key == "" {
		key = SessionKeyFor(msg, agentID)
	}

	content := msg.Content
	media := msg.Media
	if len(media) > 0 {
		var err error
		content, media, err = d.gateAttachments(key, agentID, msg)
		if err != nil {
			slog.Warn("attachment plan rejected", "session", key, "error", err)
			d.reply(msg, key, "Cannot process this message: "+err.Error())
			return
		}
	}

	runCtx, done := d.track(ctx, key)
	defer done()

	res, err := d.runner.Run(runCtx, RunRequest{
		SessionKey: key,
		AgentID:    agentID,
		Content:    content,
		Media:      media,
		Channel:    msg.Channel,
		PeerID:     msg.PeerID,
		PeerKind:   msg.PeerKind,
		AccountID:  msg.AccountID,
		ThreadID:   msg.ThreadID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		ModelRef:   msg.ModelRef,
		Stream:     msg.Stream,
	})
	if err != nil {
		slog.Error("agent run failed", "session", key, "agent", agentID, "error", err)
		d.reply(msg, key, errorNotice(err))
		return
	}
	if res.Content == "" {
		return
	}
	d.reply(msg, key, res.Content)
}

// track registers a cancellable context for one run under the session
// key. The returned func cancels and deregisters it; callers must defer
// it so aborted handles do not accumulate.
func (d *Dispatcher) track(ctx context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel}
	d.mu.Lock()
	d.active[key] = append(d.active[key], h)
	d.mu.Unlock()
	return ctx, func() {
		cancel()
		d.mu.Lock()
		handles := d.active[key]
		for i, other := range handles {
			if other == h {
				d.active[key] = append(handles[:i], handles[i+1:]...)
				break
			}
		}
		if len(d.active[key]) == 0 {
			delete(d.active, key)
		}
		d.mu.Unlock()
	}
}

// Abort cancels every in-flight run for the session key and reports
// whether any was running. Queued messages that have not reached the
// runner yet are unaffected.
func (d *Dispatcher) Abort(key string) bool {
	d.mu.Lock()
	handles := append([]*runHandle(nil), d.active[key]...)
	d.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
	return len(handles) > 0
}

func (d *Dispatcher) reply(msg bus.InboundMessage, key, content string) {
	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel:    msg.Channel,
		PeerID:     msg.PeerID,
		SessionKey: key,
		Content:    content,
	})
}

// errorNotice renders a run failure for channel delivery without leaking
// internals.
func errorNotice(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The agent run timed out. Try again or simplify the request."
	case errors.Is(err, context.Canceled):
		return "The agent run was cancelled."
	case errors.Is(err, ErrNoModelAvailable):
		return "No model is available for this agent. Check the model configuration."
	case errors.Is(err, ErrContextWindowTooSmall):
		return "The configured model's context window is too small to run this agent."
	case IsCompactionFailure(err.Error()):
		return "The conversation no longer fits the model's context window and could not be compacted. Use /new to start a fresh session."
	default:
		s := err.Error()
		if len(s) > 300 {
			s = s[:300] + "..."
		}
		return "Agent error: " + s
	}
}

// gateAttachments routes the session to an input-capable model and maps
// the attachments through capability negotiation. Parts that cannot be
// delivered degrade to text stand-ins appended to the message text; a
// rejected plan fails the whole message.
func (d *Dispatcher) gateAttachments(key, agentID string, msg bus.InboundMessage) (string, []bus.MediaAttachment, error) {
	content := msg.Content

	mods := inputModalities(msg.Media)
	route, err := d.registry.EnsureSessionModelForInput(key, mods)
	if err != nil {
		return "", nil, err
	}
	if !route.OK {
		// No candidate model accepts the attachment modalities; degrade
		// everything non-text up front.
		var notes []string
		for _, m := range mods {
			notes = append(notes, fmt.Sprintf("[%s omitted: no %s-capable model available (tried %s)]",
				m, m, strings.Join(route.Candidates, ", ")))
		}
		slog.Info("no input-capable model, degrading attachments",
			"session", key, "modalities", mods, "candidates", route.Candidates)
		return joinContent(content, notes), nil, nil
	}

	spec, err := d.registry.ResolveSessionSpec(key, agentID)
	if err != nil {
		return "", nil, err
	}

	parts := partsFromMedia(msg.Media)
	plan, err := capability.Negotiate(capability.Request{
		Parts:         parts,
		Channel:       capability.ProfileFromSpec(d.cfg.ChannelCapabilities(msg.Channel)),
		Provider:      providerInputProfile(spec),
		Policy:        capability.ProfileFromSpec(d.cfg.PolicyCapabilities()),
		MaxTotalBytes: d.cfg.MaxTotalInputBytes(),
	})
	if err != nil {
		return "", nil, err
	}

	var kept []bus.MediaAttachment
	var notes []string
	for i, part := range plan.Parts {
		if part.Modality == capability.ModalityText && parts[i].Modality != capability.ModalityText {
			notes = append(notes, part.Text)
			continue
		}
		att := msg.Media[i]
		if len(part.Data) > 0 {
			// Downscaled in place; the original bytes no longer apply.
			att.Data = part.Data
			att.MimeType = part.MimeType
			att.SizeBytes = part.SizeBytes
		}
		kept = append(kept, att)
	}
	for _, tf := range plan.Transforms {
		slog.Debug("capability transform applied",
			"session", key, "part", tf.Part, "kind", tf.Kind, "reason", tf.Reason)
	}
	return joinContent(content, notes), kept, nil
}

func joinContent(content string, notes []string) string {
	if len(notes) == 0 {
		return content
	}
	if content == "" {
		return strings.Join(notes, "\n")
	}
	return content + "\n" + strings.Join(notes, "\n")
}

// inputModalities returns the distinct non-text modalities present in
// the attachments.
func inputModalities(media []bus.MediaAttachment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range media {
		mod := modalityOf(m)
		if mod == capability.ModalityText || seen[mod] {
			continue
		}
		seen[mod] = true
		out = append(out, mod)
	}
	return out
}

func modalityOf(m bus.MediaAttachment) string {
	mime := m.MimeType
	if mime == "" {
		mime = inferImageMime(m.URL)
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return capability.ModalityImage
	case strings.HasPrefix(mime, "audio/"):
		return capability.ModalityAudio
	case strings.HasPrefix(mime, "video/"):
		return capability.ModalityVideo
	case mime == "" && m.URL == "":
		return capability.ModalityText
	default:
		return capability.ModalityFile
	}
}

func partsFromMedia(media []bus.MediaAttachment) []capability.Part {
	parts := make([]capability.Part, 0, len(media))
	for _, m := range media {
		size := m.SizeBytes
		if size == 0 {
			size = int64(len(m.Data))
		}
		parts = append(parts, capability.Part{
			Modality:   modalityOf(m),
			MimeType:   m.MimeType,
			SizeBytes:  size,
			DurationMs: m.DurationMs,
			Data:       m.Data,
			Name:       m.URL,
		})
	}
	return parts
}

// knownModalities is the full modality set a provider profile must take
// a position on. A missing entry in a capability profile means
// "enabled", so text-only models need explicit disables.
var knownModalities = []string{
	capability.ModalityText,
	capability.ModalityImage,
	capability.ModalityAudio,
	capability.ModalityVideo,
	capability.ModalityFile,
}

// providerInputProfile converts a model spec's accepted input modalities
// into a capability profile.
func providerInputProfile(spec providers.ModelSpec) capability.Profile {
	in := make(map[string]capability.Limits, len(knownModalities))
	for _, m := range knownModalities {
		in[m] = capability.Limits{Enabled: spec.SupportsInput(m)}
	}
	return capability.Profile{Input: in}
}
