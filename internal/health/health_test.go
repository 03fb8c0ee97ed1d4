package health

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"affibot/pkg/logx"
)

func TestPing(t *testing.T) {
	srv := httptest.NewServer(New(Config{}, logx.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("get /ping: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Fatalf("body = %q", body)
	}
}

func TestPingRejectsPost(t *testing.T) {
	srv := httptest.NewServer(New(Config{}, logx.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/ping", "text/plain", nil)
	if err != nil {
		t.Fatalf("post /ping: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMetricsServed(t *testing.T) {
	srv := httptest.NewServer(New(Config{}, logx.Nop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
