// Package commands implements the operator command surface. Dispatch is a
// pure function from an inbound message to a reply, so the whole surface is
// testable without a live connection.
package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"affibot/internal/config"
	"affibot/internal/eventbus"
	"affibot/internal/metrics"
	"affibot/internal/stats"
	"affibot/internal/storage"
	"affibot/internal/transport"
	"affibot/pkg/logx"
)

// Deps are the command surface's collaborators.
type Deps struct {
	Log       logx.Logger
	Cfg       *config.Config
	Store     storage.Store
	Stats     *stats.Collector
	Bus       eventbus.Bus
	StartedAt time.Time
}

// RuntimeProbe reports live goroutine counters for /status. Installed by the
// app once its supervisor exists.
type RuntimeProbe func() (active int64, started uint64)

type Handler struct {
	log       logx.Logger
	cfg       *config.Config
	store     storage.Store
	stats     *stats.Collector
	bus       eventbus.Bus
	startedAt time.Time

	mu    sync.Mutex
	probe RuntimeProbe
}

func New(d Deps) *Handler {
	return &Handler{
		log:       d.Log,
		cfg:       d.Cfg,
		store:     d.Store,
		stats:     d.Stats,
		bus:       d.Bus,
		startedAt: d.StartedAt,
	}
}

func (h *Handler) SetRuntimeProbe(p RuntimeProbe) {
	h.mu.Lock()
	h.probe = p
	h.mu.Unlock()
}

// Menu lists the commands pushed to the platform command menu.
func (h *Handler) Menu() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "start", Description: "Show what this bot does"},
		{Command: "status", Description: "Uptime and store state"},
		{Command: "stats", Description: "Forwarding counters"},
		{Command: "flush", Description: "Clear the posted-link history"},
		{Command: "help", Description: "List commands"},
	}
}

// Handle dispatches a command message. The second return is false when the
// message is not a command or the sender may not use it; no reply is sent
// in either case.
func (h *Handler) Handle(ctx context.Context, msg transport.Message) (string, bool) {
	cmd, ok := parseCommand(msg.Text)
	if !ok {
		return "", false
	}
	// /start answers anyone; everything else is operator-only and silence
	// is the answer for strangers.
	if cmd != "start" && !h.cfg.IsOperator(msg.FromID) {
		h.log.Debug("command from non-operator ignored",
			logx.String("command", cmd), logx.Int64("from", msg.FromID))
		return "", false
	}
	metrics.IncCommand(cmd)

	switch cmd {
	case "start":
		return "Hi! I watch deal channels, rewrite Amazon links with our affiliate tag and repost them. Operators: /help", true
	case "help":
		return h.helpText(), true
	case "status":
		return h.statusText(ctx), true
	case "stats":
		return h.stats.Snapshot().Format(), true
	case "flush":
		return h.flush(ctx), true
	default:
		return "", false
	}
}

func (h *Handler) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range h.Menu() {
		fmt.Fprintf(&b, "/%s - %s\n", c.Command, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) statusText(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(h.startedAt).Truncate(time.Second))
	if n, err := h.store.Count(ctx); err == nil {
		fmt.Fprintf(&b, "posted links remembered: %d\n", n)
	} else {
		fmt.Fprintf(&b, "posted links remembered: unavailable (%v)\n", err)
	}
	fmt.Fprintf(&b, "watching %d channels, target %d",
		len(h.cfg.Telegram.SourceChannels), h.cfg.Telegram.TargetChannel)
	h.mu.Lock()
	probe := h.probe
	h.mu.Unlock()
	if probe != nil {
		active, started := probe()
		fmt.Fprintf(&b, "\ngoroutines: %d active / %d started", active, started)
	}
	return b.String()
}

func (h *Handler) flush(ctx context.Context) string {
	n, err := h.store.Flush(ctx)
	if err != nil {
		h.log.Error("flush failed", logx.Err(err))
		return fmt.Sprintf("flush failed: %v", err)
	}
	metrics.SetSeenKeys(0)
	h.bus.Publish(eventbus.Event{Type: eventbus.TypeFlushed, Detail: fmt.Sprintf("%d keys", n)})
	h.log.Info("posted-link history flushed", logx.Int64("removed", n))
	return fmt.Sprintf("cleared %d posted links", n)
}

// parseCommand extracts the command name from "/cmd", "/cmd@botname" or
// "/cmd args" forms.
func parseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	first := strings.Fields(text)[0]
	first = strings.TrimPrefix(first, "/")
	if at := strings.IndexByte(first, '@'); at >= 0 {
		first = first[:at]
	}
	if first == "" {
		return "", false
	}
	return strings.ToLower(first), true
}
