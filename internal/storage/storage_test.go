package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"affibot/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{
		Driver: driver,
		Path:   filepath.Join(t.TempDir(), "affibot"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s store: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSeenRoundTrip(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			if ok, err := st.Seen(ctx, "B000123456"); err != nil || ok {
				t.Fatalf("fresh key: seen=%v err=%v", ok, err)
			}
			if err := st.MarkSeen(ctx, "B000123456", time.Now()); err != nil {
				t.Fatalf("mark: %v", err)
			}
			if ok, err := st.Seen(ctx, "B000123456"); err != nil || !ok {
				t.Fatalf("after mark: seen=%v err=%v", ok, err)
			}
			if n, err := st.Count(ctx); err != nil || n != 1 {
				t.Fatalf("count = %d err=%v", n, err)
			}
		})
	}
}

func TestMarkSeenIdempotent(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			if err := st.MarkSeen(ctx, "B000123456", first); err != nil {
				t.Fatalf("mark: %v", err)
			}
			if err := st.MarkSeen(ctx, "B000123456", first.Add(time.Hour)); err != nil {
				t.Fatalf("re-mark: %v", err)
			}
			if n, _ := st.Count(ctx); n != 1 {
				t.Fatalf("count after re-mark = %d", n)
			}
		})
	}
}

func TestFlush(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			for _, k := range []string{"A000000001", "A000000002", "A000000003"} {
				if err := st.MarkSeen(ctx, k, time.Now()); err != nil {
					t.Fatalf("mark %s: %v", k, err)
				}
			}
			n, err := st.Flush(ctx)
			if err != nil || n != 3 {
				t.Fatalf("flush = %d err=%v", n, err)
			}
			if ok, _ := st.Seen(ctx, "A000000001"); ok {
				t.Fatal("key survived flush")
			}
			if n, _ := st.Count(ctx); n != 0 {
				t.Fatalf("count after flush = %d", n)
			}
		})
	}
}

func TestAppendForward(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			err := st.AppendForward(context.Background(), ForwardEntry{
				At:           time.Now(),
				SourceChatID: -100100,
				SourceMsgID:  42,
				TargetChatID: -100200,
				Keys:         []string{"B000123456"},
				Shortened:    true,
				TookMS:       120,
			})
			if err != nil {
				t.Fatalf("append forward: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "affibot")}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.MarkSeen(ctx, "B000123456", time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if ok, _ := st2.Seen(ctx, "B000123456"); !ok {
		t.Fatal("seen key lost across reopen")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
