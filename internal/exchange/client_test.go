package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func klineServer(t *testing.T, retCode int, rows [][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/kline" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("category") == "" || q.Get("symbol") == "" || q.Get("interval") == "" {
			t.Errorf("missing query params: %s", r.URL.RawQuery)
		}
		resp := map[string]interface{}{
			"retCode": retCode,
			"retMsg":  "OK",
			"result":  map[string]interface{}{"list": rows},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestKlines_OK(t *testing.T) {
	rows := [][]string{
		{"1800000", "2", "3", "1.5", "2.5", "20", "50"},
		{"900000", "1", "2", "0.5", "1.5", "10", "15"},
	}
	srv := klineServer(t, 0, rows)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Category: "linear"})
	got, err := c.Klines(context.Background(), "BTCUSDT", 15, 0, 3600000, 1000)
	if err != nil {
		t.Fatalf("Klines: %v", err)
	}
	if len(got) != 2 || len(got[0]) != 7 {
		t.Fatalf("got %d rows of %d fields", len(got), len(got[0]))
	}
	if got[0][0] != "1800000" {
		t.Errorf("venue order must be preserved, got %v", got[0][0])
	}
}

func TestKlines_RetCodeError(t *testing.T) {
	srv := klineServer(t, 10001, nil)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Category: "linear"})
	if _, err := c.Klines(context.Background(), "BTCUSDT", 15, 0, 1, 10); err == nil {
		t.Fatal("non-zero retCode must error")
	}
}

func TestKlines_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Category: "linear"})
	if _, err := c.Klines(context.Background(), "BTCUSDT", 15, 0, 1, 10); err == nil {
		t.Fatal("HTTP 502 must error")
	}
}

func TestKlines_ContextCancel(t *testing.T) {
	srv := klineServer(t, 0, nil)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Category: "linear"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Klines(ctx, "BTCUSDT", 15, 0, 1, 10); err == nil {
		t.Fatal("cancelled context must error")
	}
}
