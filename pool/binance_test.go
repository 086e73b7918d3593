package pool

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// verifySignature recomputes the HMAC over the query string minus the
// signature parameter.
func verifySignature(t *testing.T, r *http.Request, secret string) {
	t.Helper()
	raw := r.URL.RawQuery
	i := strings.Index(raw, "&signature=")
	if i < 0 {
		t.Fatal("no signature parameter")
	}
	payload, sig := raw[:i], raw[i+len("&signature="):]

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature = %s, want %s", sig, want)
	}
}

func binanceListBody(names ...string) string {
	workers := make([]map[string]any, len(names))
	for i, n := range names {
		workers[i] = map[string]any{"workerName": n, "status": 1, "hashRate": 9e13}
	}
	body, _ := json.Marshal(map[string]any{
		"code": 0,
		"data": map[string]any{"workerDatas": workers, "totalNum": len(names)},
	})
	return string(body)
}

func TestBinanceListWorkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			w.Write([]byte(`{}`))
		case "/sapi/v1/mining/worker/list":
			if got := r.Header.Get("X-MBX-APIKEY"); got != "api-key" {
				t.Errorf("X-MBX-APIKEY = %q", got)
			}
			verifySignature(t, r, "api-secret")
			q := r.URL.Query()
			if q.Get("algo") != "sha256" || q.Get("userName") != "acct" {
				t.Errorf("query = %v", q)
			}
			if q.Get("recvWindow") != strconv.Itoa(binanceRecvWindow) {
				t.Errorf("recvWindow = %q", q.Get("recvWindow"))
			}
			w.Write([]byte(binanceListBody("rig01", "rig02")))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := NewBinance(NewHTTPClient(2*time.Second), srv.URL)
	res := b.ListWorkers(context.Background(), "acct", "BTC", Credentials{APIKey: "api-key", SecretKey: "api-secret"})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(res.Workers))
	}
	if !res.Workers[0].Online(time.Now()) {
		t.Errorf("rig01 offline: %+v", res.Workers[0])
	}
}

func TestBinanceGeoblocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnavailableForLegalReasons)
	}))
	defer srv.Close()

	b := NewBinance(NewHTTPClient(2*time.Second), srv.URL)
	res := b.ListWorkers(context.Background(), "acct", "BTC", Credentials{APIKey: "k", SecretKey: "s"})
	if res.OK || res.Reason != ReasonGeoblocked {
		t.Errorf("result = %+v, want geoblocked", res)
	}
}

func TestBinanceUnsupportedCoin(t *testing.T) {
	b := NewBinance(NewHTTPClient(0), "")
	res := b.ListWorkers(context.Background(), "acct", "XMR", Credentials{APIKey: "k", SecretKey: "s"})
	if res.OK || res.Reason != ReasonSchema {
		t.Errorf("result = %+v, want schema failure for unmapped coin", res)
	}
}

func TestBinanceClockSkewRecovery(t *testing.T) {
	var listCalls atomic.Int32
	var timeCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			w.Write([]byte(`{}`))
		case "/api/v3/time":
			timeCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"serverTime": time.Now().Add(40 * time.Second).UnixMilli()})
		case "/sapi/v1/mining/worker/list":
			if listCalls.Add(1) == 1 {
				w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
				return
			}
			w.Write([]byte(binanceListBody("rig01")))
		}
	}))
	defer srv.Close()

	b := NewBinance(NewHTTPClient(2*time.Second), srv.URL)
	res := b.ListWorkers(context.Background(), "acct", "BTC", Credentials{APIKey: "k", SecretKey: "s"})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if timeCalls.Load() != 1 {
		t.Errorf("time endpoint calls = %d, want 1", timeCalls.Load())
	}
	if listCalls.Load() != 2 {
		t.Errorf("list calls = %d, want 2 (re-signed after sync)", listCalls.Load())
	}
}

func TestBinanceFetchWorkersDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			w.Write([]byte(`{}`))
		case "/sapi/v1/mining/worker/detail":
			tail := r.URL.Query().Get("workerName")
			json.NewEncoder(w).Encode(map[string]any{
				"code": 0,
				"data": []map[string]any{{"workerName": tail, "status": 2, "hashRate": 0}},
			})
		}
	}))
	defer srv.Close()

	b := NewBinance(NewHTTPClient(2*time.Second), srv.URL)
	out := b.FetchWorkers(context.Background(), "acct", "BTC", Credentials{APIKey: "k", SecretKey: "s"}, []string{"rig09"})
	if len(out) != 1 {
		t.Fatalf("observations = %d, want 1", len(out))
	}
	if out[0].Name != "rig09" {
		t.Errorf("name = %q", out[0].Name)
	}
	if out[0].Online(time.Now()) {
		t.Error("status 2 worker reported online")
	}
}

func TestBinanceAlgo(t *testing.T) {
	b := NewBinance(NewHTTPClient(0), "")
	tests := []struct{ coin, want string }{
		{"BTC", "sha256"},
		{"ltc", "scrypt"},
		{"KASPA", "kHeavyHash"},
		{"XMR", ""},
	}
	for _, tt := range tests {
		if got := b.Algo(tt.coin); got != tt.want {
			t.Errorf("Algo(%q) = %q, want %q", tt.coin, got, tt.want)
		}
	}
}

func TestBinanceSignDeterministic(t *testing.T) {
	b := NewBinance(NewHTTPClient(0), "")
	values := url.Values{}
	values.Set("algo", "sha256")
	values.Set("userName", "acct")

	query := b.sign(values, "secret")
	parsed, err := url.ParseQuery(query)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	for _, key := range []string{"timestamp", "recvWindow", "signature"} {
		if parsed.Get(key) == "" {
			t.Errorf("missing %q in signed query", key)
		}
	}
}
