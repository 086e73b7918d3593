package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newLiteCoinPoolServer(t *testing.T, handler http.HandlerFunc) *LiteCoinPool {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	l := NewLiteCoinPool(NewHTTPClient(2 * time.Second))
	l.base = srv.URL
	return l
}

func TestLiteCoinPoolListWorkers(t *testing.T) {
	l := newLiteCoinPoolServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("api_key"); got != "account-key" {
			t.Errorf("api_key = %q", got)
		}
		w.Write([]byte(`{"workers":{
			"user.rig01":{"connected":true,"hash_rate":2500},
			"user.rig02":{"connected":false,"hash_rate":0}
		}}`))
	})

	res := l.ListWorkers(context.Background(), "user", "LTC", Credentials{APIKey: "account-key"})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(res.Workers))
	}

	idx := NewIndex(res.Workers)
	now := time.Now()

	obs, ok := idx.Match("user.rig01")
	if !ok || !obs.Online(now) {
		t.Errorf("rig01 = %+v %v, want online", obs, ok)
	}
	// kH/s normalised to H/s.
	if obs.Hashrate != 2500*1000 {
		t.Errorf("hashrate = %v, want 2.5e6", obs.Hashrate)
	}

	if obs, ok := idx.Match("user.rig02"); !ok || obs.Online(now) {
		t.Errorf("rig02 = %+v %v, want offline", obs, ok)
	}
}

func TestLiteCoinPoolMissingWorkersMap(t *testing.T) {
	l := newLiteCoinPoolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"invalid key"}`))
	})

	res := l.ListWorkers(context.Background(), "user", "LTC", Credentials{APIKey: "bad"})
	if res.OK || res.Reason != ReasonSchema {
		t.Errorf("result = %+v, want schema failure", res)
	}
}

func TestLiteCoinPoolEmptyWorkersMap(t *testing.T) {
	l := newLiteCoinPoolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"workers":{}}`))
	})

	res := l.ListWorkers(context.Background(), "user", "LTC", Credentials{APIKey: "k"})
	if !res.OK {
		t.Fatalf("empty account reported failure: %+v", res)
	}
	if len(res.Workers) != 0 {
		t.Errorf("workers = %d, want 0", len(res.Workers))
	}
}
