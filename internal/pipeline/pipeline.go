// Package pipeline implements the forwarding flow: extract product links,
// dedup against the store, rewrite wording and affiliate tag, shorten,
// compose, publish, then persist the seen keys.
//
// Handle is synchronous and carries no global state, so the whole flow is
// testable with a fake adapter and an in-memory store.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"affibot/internal/config"
	"affibot/internal/eventbus"
	"affibot/internal/link"
	"affibot/internal/metrics"
	"affibot/internal/rewrite"
	"affibot/internal/shorten"
	"affibot/internal/storage"
	"affibot/internal/transport"
	"affibot/pkg/logx"
)

// Outcome is the terminal state of one handled message.
type Outcome string

const (
	// OutcomeForwarded means the message was republished to the target.
	OutcomeForwarded Outcome = "forwarded"
	// OutcomeDuplicate means every product link was already posted.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDropped means the message never reached the target
	// (no links, or cancellation mid-flight).
	OutcomeDropped Outcome = "dropped"
	// OutcomeAlerted means publishing failed and the operator was told.
	OutcomeAlerted Outcome = "alerted"
)

// Result reports what happened to one message.
type Result struct {
	Outcome Outcome
	// Keys are the novel product keys the message contributed.
	Keys   []string
	Reason string
	Err    error
}

// Params wires the pipeline's collaborators.
type Params struct {
	Log       logx.Logger
	Adapter   transport.Adapter
	Store     storage.Store
	Shortener shorten.Shortener
	Rewriter  *rewrite.Rewriter
	Bus       eventbus.Bus

	Telegram  config.TelegramConfig
	Forwarder config.ForwarderConfig
	// HasToken reports whether a shortener credential is configured;
	// without one every link keeps its long form.
	HasToken bool

	// Sleep is the jitter delay hook; nil means a context-aware
	// time.Sleep. Tests inject a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand drives the jitter; nil seeds from the clock.
	Rand *rand.Rand
}

type Pipeline struct {
	log       logx.Logger
	adapter   transport.Adapter
	store     storage.Store
	shortener shorten.Shortener
	rewriter  *rewrite.Rewriter
	bus       eventbus.Bus

	target    transport.ChatTarget
	alertUser int64
	delayMin  time.Duration
	delayMax  time.Duration

	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	rnd      *rand.Rand
	tag      string
	hashtags []string
	shorten  bool
}

func New(p Params) *Pipeline {
	sleep := p.Sleep
	if sleep == nil {
		sleep = ctxSleep
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pipeline{
		log:       p.Log,
		adapter:   p.Adapter,
		store:     p.Store,
		shortener: p.Shortener,
		rewriter:  p.Rewriter,
		bus:       p.Bus,
		target:    transport.ChatTarget{ChatID: p.Telegram.TargetChannel},
		alertUser: p.Telegram.AlertUserID,
		delayMin:  p.Forwarder.PostDelayMin,
		delayMax:  p.Forwarder.PostDelayMax,
		sleep:     sleep,
		rnd:       rnd,
		tag:       p.Forwarder.AffiliateTag,
		hashtags:  splitHashtags(p.Forwarder.ExtraHashtags),
		shorten:   p.HasToken,
	}
}

// ApplyOverrides installs hot-reloaded settings. Nil fields keep the
// current value.
func (p *Pipeline) ApplyOverrides(o *config.Overrides) {
	if o == nil {
		return
	}
	p.mu.Lock()
	if o.AffiliateTag != nil && *o.AffiliateTag != "" {
		p.tag = *o.AffiliateTag
	}
	if o.ExtraHashtags != nil {
		p.hashtags = splitHashtags(*o.ExtraHashtags)
	}
	if o.Shortening != nil {
		p.shorten = *o.Shortening
	}
	p.mu.Unlock()
	if o.RewriteLevel != nil {
		p.rewriter.SetLevel(*o.RewriteLevel)
	}
}

// Handle runs one message through the full flow. It blocks for the jitter
// delay, so the caller dispatches from a single worker goroutine.
func (p *Pipeline) Handle(ctx context.Context, msg transport.Message) Result {
	metrics.IncReceived()
	start := time.Now()

	candidates := link.Extract(msg.Text)
	if len(candidates) == 0 {
		return p.drop("no_links", nil)
	}

	novel := p.filterNovel(ctx, candidates)
	if len(novel) == 0 {
		metrics.IncDuplicate()
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeDuplicate, Keys: keysOf(candidates)})
		p.log.Debug("duplicate message skipped",
			logx.Int64("chat_id", msg.ChatID), logx.Int("msg_id", msg.ID))
		return Result{Outcome: OutcomeDuplicate, Reason: "all links already posted"}
	}

	tag, hashtags, shortenOn := p.settings()

	text := p.rewriter.Rewrite(msg.Text)
	shortened := false
	for _, c := range candidates {
		final := link.WithTag(c.Raw, tag)
		if shortenOn {
			short, err := p.shortener.Shorten(ctx, final)
			if err != nil {
				metrics.IncShortenFallback()
				p.bus.Publish(eventbus.Event{Type: eventbus.TypeShortenFallback, Keys: []string{c.Key}})
				p.log.Warn("shortener failed, keeping long url",
					logx.String("key", c.Key), logx.Err(err))
			} else {
				final = short
				shortened = true
			}
		}
		text = strings.Replace(text, c.Raw, final, 1)
	}
	text = rewrite.WithHashtags(text, hashtags)

	if err := p.sleep(ctx, p.jitter()); err != nil {
		return p.drop("canceled", err)
	}

	if err := p.publish(ctx, msg, text); err != nil {
		metrics.IncPublishError()
		p.log.Error("publish failed",
			logx.Int64("chat_id", msg.ChatID), logx.Int("msg_id", msg.ID), logx.Err(err))
		p.alert(ctx, fmt.Sprintf("failed to forward message %d from chat %d: %v", msg.ID, msg.ChatID, err))
		return Result{Outcome: OutcomeAlerted, Err: err}
	}

	// Seen state is committed only after a successful publish so a send
	// failure leaves the message eligible for retry.
	now := time.Now()
	keys := keysOf(novel)
	for _, k := range keys {
		if err := p.store.MarkSeen(ctx, k, now); err != nil {
			p.log.Error("mark seen failed", logx.String("key", k), logx.Err(err))
		}
	}
	if err := p.store.AppendForward(ctx, storage.ForwardEntry{
		At:           now,
		SourceChatID: msg.ChatID,
		SourceMsgID:  msg.ID,
		TargetChatID: p.target.ChatID,
		Keys:         keys,
		Shortened:    shortened,
		TookMS:       time.Since(start).Milliseconds(),
	}); err != nil {
		p.log.Warn("forward log append failed", logx.Err(err))
	}

	metrics.IncForwarded()
	if n, err := p.store.Count(ctx); err == nil {
		metrics.SetSeenKeys(n)
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeForwarded, Keys: keys})
	p.log.Info("forwarded",
		logx.Int64("from", msg.ChatID), logx.Int("msg_id", msg.ID),
		logx.Int("links", len(keys)), logx.Bool("shortened", shortened))
	return Result{Outcome: OutcomeForwarded, Keys: keys}
}

// filterNovel returns the candidates whose key has not been posted yet.
// Store read errors count the link as novel; dedup is best-effort, losing
// a deal is worse than a rare repost.
func (p *Pipeline) filterNovel(ctx context.Context, cs []link.Candidate) []link.Candidate {
	var novel []link.Candidate
	for _, c := range cs {
		seen, err := p.store.Seen(ctx, c.Key)
		if err != nil {
			p.log.Warn("seen lookup failed", logx.String("key", c.Key), logx.Err(err))
			novel = append(novel, c)
			continue
		}
		if !seen {
			novel = append(novel, c)
		}
	}
	return novel
}

func (p *Pipeline) publish(ctx context.Context, msg transport.Message, text string) error {
	if msg.HasPhoto() {
		_, err := p.adapter.SendPhoto(ctx, p.target, msg.PhotoFileID, text, nil)
		return err
	}
	_, err := p.adapter.SendText(ctx, p.target, text, nil)
	return err
}

// alert notifies the operator directly. Failures are logged and swallowed;
// an unreachable operator must not take the pipeline down.
func (p *Pipeline) alert(ctx context.Context, text string) {
	if p.alertUser == 0 {
		return
	}
	metrics.IncAlert()
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeAlerted, Detail: text})
	to := transport.ChatTarget{ChatID: p.alertUser}
	if _, err := p.adapter.SendText(ctx, to, "⚠️ "+text, nil); err != nil {
		p.log.Error("operator alert failed", logx.Err(err))
	}
}

func (p *Pipeline) drop(reason string, err error) Result {
	metrics.IncDropped(reason)
	if reason != "no_links" {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeDropped, Detail: reason})
	}
	return Result{Outcome: OutcomeDropped, Reason: reason, Err: err}
}

func (p *Pipeline) settings() (tag string, hashtags []string, shortenOn bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tag, p.hashtags, p.shorten
}

func (p *Pipeline) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delayMax <= p.delayMin {
		return p.delayMin
	}
	return p.delayMin + time.Duration(p.rnd.Int63n(int64(p.delayMax-p.delayMin)))
}

func keysOf(cs []link.Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Key)
	}
	return out
}

// splitHashtags accepts comma or whitespace separated tags.
func splitHashtags(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
