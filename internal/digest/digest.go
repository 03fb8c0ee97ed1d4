// Package digest sends the operator a periodic forwarding summary on a cron
// schedule. Disabled when no schedule is configured.
package digest

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"affibot/internal/stats"
	"affibot/internal/transport"
	"affibot/pkg/logx"
)

// Sender is the outbound slice of the adapter the digest needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Service struct {
	log      logx.Logger
	schedule string
	to       transport.ChatTarget
	sender   Sender
	stats    *stats.Collector

	mu sync.Mutex
	c  *cron.Cron
}

// New builds the digest service. schedule is a 5-field cron expression or a
// descriptor like "@daily"; empty disables the service.
func New(schedule string, to int64, sender Sender, st *stats.Collector, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		schedule: schedule,
		to:       transport.ChatTarget{ChatID: to},
		sender:   sender,
		stats:    st,
	}
}

func (s *Service) Enabled() bool { return s.schedule != "" }

// Start registers the cron entry and begins triggering. Returns an error on
// an unparsable schedule so a config typo fails fast at startup.
func (s *Service) Start(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.send(ctx) }); err != nil {
		return fmt.Errorf("digest schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("digest scheduled", logx.String("schedule", s.schedule))
	return nil
}

// Stop halts triggering and waits for an in-flight send.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) send(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	text := "📊 forwarding digest\n" + s.stats.Snapshot().Format()
	if _, err := s.sender.SendText(ctx, s.to, text, nil); err != nil {
		s.log.Warn("digest send failed", logx.Err(err))
	}
}
