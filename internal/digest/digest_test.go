package digest

import (
	"context"
	"strings"
	"sync"
	"testing"

	"affibot/internal/stats"
	"affibot/internal/transport"
	"affibot/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
	to    []transport.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	c.to = append(c.to, to)
	return transport.MessageRef{}, nil
}

func TestDisabledWithoutSchedule(t *testing.T) {
	s := New("", 777, &captureSender{}, stats.New(), logx.Nop())
	if s.Enabled() {
		t.Fatal("empty schedule must disable the digest")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("disabled start: %v", err)
	}
}

func TestBadScheduleFailsFast(t *testing.T) {
	s := New("not a cron spec", 777, &captureSender{}, stats.New(), logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestSendFormatsSnapshot(t *testing.T) {
	sender := &captureSender{}
	s := New("@daily", 777, sender, stats.New(), logx.Nop())
	s.send(context.Background())

	if len(sender.texts) != 1 {
		t.Fatalf("sent %d digests", len(sender.texts))
	}
	if sender.to[0].ChatID != 777 {
		t.Fatalf("sent to %d", sender.to[0].ChatID)
	}
	if !strings.Contains(sender.texts[0], "forwarded: 0") {
		t.Fatalf("digest = %q", sender.texts[0])
	}
}

func TestSendSkippedAfterCancel(t *testing.T) {
	sender := &captureSender{}
	s := New("@daily", 777, sender, stats.New(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.send(ctx)
	if len(sender.texts) != 0 {
		t.Fatal("digest sent after cancellation")
	}
}

func TestStartStop(t *testing.T) {
	s := New("@daily", 777, &captureSender{}, stats.New(), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop(context.Background())
}
