package shorten

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBitlyShorten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization header = %q", got)
		}
		var req shortenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.LongURL != "https://amazon.com/dp/B000123456?tag=x" {
			t.Errorf("long_url = %q", req.LongURL)
		}
		json.NewEncoder(w).Encode(shortenResponse{Link: "https://bit.ly/abc"})
	}))
	defer srv.Close()

	b := NewBitly("tok", time.Second)
	b.endpoint = srv.URL
	got, err := b.Shorten(context.Background(), "https://amazon.com/dp/B000123456?tag=x")
	if err != nil {
		t.Fatalf("Shorten: %v", err)
	}
	if got != "https://bit.ly/abc" {
		t.Fatalf("short url = %q", got)
	}
}

func TestBitlyNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	b := NewBitly("tok", time.Second)
	b.endpoint = srv.URL
	if _, err := b.Shorten(context.Background(), "https://amazon.com/dp/B000123456"); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestBitlyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	b := NewBitly("tok", 50*time.Millisecond)
	b.endpoint = srv.URL
	if _, err := b.Shorten(context.Background(), "https://amazon.com/dp/B000123456"); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNoop(t *testing.T) {
	if _, err := (Noop{}).Shorten(context.Background(), "https://amazon.com/x"); err == nil {
		t.Fatal("noop must always fail")
	}
}
