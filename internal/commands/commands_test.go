package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"affibot/internal/config"
	"affibot/internal/eventbus"
	"affibot/internal/stats"
	"affibot/internal/storage"
	"affibot/internal/transport"
	"affibot/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemStore() *memStore { return &memStore{seen: map[string]time.Time{}} }

func (s *memStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok, nil
}

func (s *memStore) MarkSeen(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = at
	return nil
}

func (s *memStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.seen)), nil
}

func (s *memStore) Flush(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.seen))
	s.seen = map[string]time.Time{}
	return n, nil
}

func (s *memStore) AppendForward(context.Context, storage.ForwardEntry) error { return nil }
func (s *memStore) Close() error                                              { return nil }

func newTestHandler(st storage.Store) *Handler {
	cfg := &config.Config{}
	cfg.Telegram.SourceChannels = []int64{-100100, -100101}
	cfg.Telegram.TargetChannel = -100200
	cfg.Telegram.AlertUserID = 777
	cfg.Telegram.OwnerUserIDs = []int64{888}
	return New(Deps{
		Log:       logx.Nop(),
		Cfg:       cfg,
		Store:     st,
		Stats:     stats.New(),
		Bus:       eventbus.New(),
		StartedAt: time.Now().Add(-time.Hour),
	})
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/start", "start", true},
		{"/STATS", "stats", true},
		{"/flush@affibot", "flush", true},
		{"/help extra words", "help", true},
		{"plain text", "", false},
		{"/", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := parseCommand(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("parseCommand(%q) = %q,%v want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestStartAnswersAnyone(t *testing.T) {
	h := newTestHandler(newMemStore())
	reply, ok := h.Handle(context.Background(), transport.Message{FromID: 1, Text: "/start"})
	if !ok || reply == "" {
		t.Fatalf("start: %q %v", reply, ok)
	}
}

func TestOperatorOnlyCommands(t *testing.T) {
	h := newTestHandler(newMemStore())
	if _, ok := h.Handle(context.Background(), transport.Message{FromID: 1, Text: "/flush"}); ok {
		t.Fatal("stranger may not flush")
	}
	if _, ok := h.Handle(context.Background(), transport.Message{FromID: 777, Text: "/flush"}); !ok {
		t.Fatal("alert user must be an operator")
	}
	if _, ok := h.Handle(context.Background(), transport.Message{FromID: 888, Text: "/status"}); !ok {
		t.Fatal("owner must be an operator")
	}
}

func TestStatusReportsCounts(t *testing.T) {
	st := newMemStore()
	st.MarkSeen(context.Background(), "B000123456", time.Now())
	h := newTestHandler(st)

	h.SetRuntimeProbe(func() (int64, uint64) { return 3, 7 })

	reply, ok := h.Handle(context.Background(), transport.Message{FromID: 777, Text: "/status"})
	if !ok {
		t.Fatal("status not handled")
	}
	for _, want := range []string{"uptime:", "posted links remembered: 1", "watching 2 channels", "3 active / 7 started"} {
		if !strings.Contains(reply, want) {
			t.Fatalf("status missing %q:\n%s", want, reply)
		}
	}
}

func TestFlushClearsStore(t *testing.T) {
	st := newMemStore()
	st.MarkSeen(context.Background(), "B000123456", time.Now())
	h := newTestHandler(st)

	reply, ok := h.Handle(context.Background(), transport.Message{FromID: 777, Text: "/flush"})
	if !ok || !strings.Contains(reply, "cleared 1") {
		t.Fatalf("flush reply = %q %v", reply, ok)
	}
	if n, _ := st.Count(context.Background()); n != 0 {
		t.Fatalf("store not cleared, count = %d", n)
	}
}

func TestNonCommandIgnored(t *testing.T) {
	h := newTestHandler(newMemStore())
	if _, ok := h.Handle(context.Background(), transport.Message{FromID: 777, Text: "hello"}); ok {
		t.Fatal("plain text handled as command")
	}
}

func TestHelpListsEveryMenuCommand(t *testing.T) {
	h := newTestHandler(newMemStore())
	reply, _ := h.Handle(context.Background(), transport.Message{FromID: 777, Text: "/help"})
	for _, c := range h.Menu() {
		if !strings.Contains(reply, "/"+c.Command) {
			t.Fatalf("help missing /%s:\n%s", c.Command, reply)
		}
	}
}
