package pool

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// binanceHosts are probed in order when no override is configured.
var binanceHosts = []string{
	"https://api.binance.com",
	"https://api1.binance.com",
	"https://api2.binance.com",
	"https://api3.binance.com",
}

const (
	binancePageSize   = 200
	binanceRecvWindow = 30000

	// Binance error code for a request timestamp outside recvWindow.
	binanceCodeClockSkew = -1021
)

// binanceAlgo maps coin tickers to Binance mining algorithm tags.
var binanceAlgo = map[string]string{
	"BTC":   "sha256",
	"LTC":   "scrypt",
	"KAS":   "kHeavyHash",
	"KASPA": "kHeavyHash",
}

// Binance lists workers through the signed Binance Pool API. All request
// query strings are HMAC-SHA256 signed with the account's secret key.
// Binance geoblocks some regions with HTTP 451, so the adapter probes its
// candidate hosts first and reports geoblocked when none answer.
type Binance struct {
	hc       *HTTPClient
	override string

	mu     sync.Mutex
	base   string // selected host, cached between calls
	offset time.Duration
}

// NewBinance creates the Binance adapter. override, when non-empty,
// replaces the candidate host list entirely.
func NewBinance(hc *HTTPClient, override string) *Binance {
	return &Binance{hc: hc, override: strings.TrimRight(override, "/")}
}

func (b *Binance) Name() string         { return "binance" }
func (b *Binance) RequiresSecret() bool { return true }
func (b *Binance) RecheckOffline() bool { return false }

type binanceListEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		WorkerDatas []binanceWorker `json:"workerDatas"`
		TotalNum    int             `json:"totalNum"`
	} `json:"data"`
}

type binanceWorker struct {
	WorkerName string  `json:"workerName"`
	Status     int     `json:"status"`
	HashRate   float64 `json:"hashRate"`
}

type binanceDetailEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type binanceTimeEnvelope struct {
	ServerTime int64 `json:"serverTime"`
}

// Algo resolves the Binance mining algorithm for a coin; empty when the
// coin is not minable on Binance Pool.
func (b *Binance) Algo(coin string) string {
	return binanceAlgo[strings.ToUpper(coin)]
}

// hosts returns the candidate bases to probe.
func (b *Binance) hosts() []string {
	if b.override != "" {
		return []string{b.override}
	}
	return binanceHosts
}

// selectBase probes the candidate hosts with the unauthenticated
// exchangeInfo endpoint and caches the first that answers 2xx. Hosts
// answering 451 are geoblocked and skipped. Returns "" when every host is
// blocked or unreachable.
func (b *Binance) selectBase(ctx context.Context) string {
	b.mu.Lock()
	if b.base != "" {
		base := b.base
		b.mu.Unlock()
		return base
	}
	b.mu.Unlock()

	for _, host := range b.hosts() {
		endpoint := host + "/api/v3/exchangeInfo"
		resp, err := b.hc.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		})
		if err != nil {
			continue
		}
		if resp.Status == http.StatusUnavailableForLegalReasons {
			continue
		}
		if resp.Status >= 200 && resp.Status < 300 {
			b.mu.Lock()
			b.base = host
			b.mu.Unlock()
			return host
		}
	}
	return ""
}

// resetBase drops the cached host so the next call re-probes.
func (b *Binance) resetBase() {
	b.mu.Lock()
	b.base = ""
	b.mu.Unlock()
}

// sign appends timestamp, recvWindow and the HMAC-SHA256 signature to the
// query values.
func (b *Binance) sign(values url.Values, secret string) string {
	b.mu.Lock()
	offset := b.offset
	b.mu.Unlock()

	ts := time.Now().Add(offset).UnixMilli()
	values.Set("timestamp", strconv.FormatInt(ts, 10))
	values.Set("recvWindow", strconv.Itoa(binanceRecvWindow))

	encoded := values.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	return encoded + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// signedGet performs one signed GET, transparently recovering from clock
// skew once: on code -1021 it fetches the server time, stores the offset,
// and re-signs.
func (b *Binance) signedGet(ctx context.Context, base, path string, values url.Values, creds Credentials) (*Response, error) {
	do := func() (*Response, error) {
		query := b.sign(cloneValues(values), creds.SecretKey)
		endpoint := base + path + "?" + query
		return b.hc.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("X-MBX-APIKEY", creds.APIKey)
			return req, nil
		})
	}

	resp, err := do()
	if err != nil {
		return nil, err
	}

	if code := binanceCode(resp.Body); code == binanceCodeClockSkew {
		if b.syncClock(ctx, base) {
			return do()
		}
	}
	return resp, nil
}

// syncClock fetches the server time and records the local offset.
func (b *Binance) syncClock(ctx context.Context, base string) bool {
	endpoint := base + "/api/v3/time"
	resp, err := b.hc.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil || resp.Status != http.StatusOK {
		return false
	}
	var env binanceTimeEnvelope
	if err := resp.DecodeJSON(&env); err != nil || env.ServerTime == 0 {
		return false
	}

	b.mu.Lock()
	b.offset = time.Until(time.UnixMilli(env.ServerTime))
	b.mu.Unlock()
	return true
}

// binanceCode extracts the logical error code from a response body; 0 when
// absent or unparseable.
func binanceCode(body []byte) int {
	var probe struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return 0
	}
	return probe.Code
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// ListWorkers implements Adapter, paginating the mining worker list until a
// short page.
func (b *Binance) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Result {
	algo := b.Algo(coin)
	if algo == "" {
		return Fail(ReasonSchema, "", fmt.Sprintf("coin %s has no Binance algo", coin))
	}

	base := b.selectBase(ctx)
	if base == "" {
		return Fail(ReasonGeoblocked, strings.Join(b.hosts(), ","), "all bases blocked or unreachable")
	}
	endpoint := base + "/sapi/v1/mining/worker/list"

	var workers []Observation
	for pageIndex := 1; ; pageIndex++ {
		values := url.Values{}
		values.Set("algo", algo)
		values.Set("userName", account)
		values.Set("pageIndex", strconv.Itoa(pageIndex))
		values.Set("pageSize", strconv.Itoa(binancePageSize))
		values.Set("sort", "0")

		resp, err := b.signedGet(ctx, base, "/sapi/v1/mining/worker/list", values, creds)
		if err != nil {
			b.resetBase()
			return Fail(ReasonTransport, endpoint, err.Error())
		}
		if resp.Status == http.StatusUnavailableForLegalReasons {
			b.resetBase()
			return Fail(ReasonGeoblocked, endpoint, resp.BodyPrefix())
		}
		if resp.Status != http.StatusOK {
			return Fail(failReason(resp, nil), endpoint, resp.BodyPrefix())
		}

		var env binanceListEnvelope
		if err := resp.DecodeJSON(&env); err != nil {
			return Fail(ReasonSchema, endpoint, resp.BodyPrefix())
		}
		if env.Code != 0 {
			return Fail(fmt.Sprintf("logical:%d", env.Code), endpoint, resp.BodyPrefix())
		}

		for _, w := range env.Data.WorkerDatas {
			workers = append(workers, binanceObservation(w))
		}
		if len(env.Data.WorkerDatas) < binancePageSize {
			break
		}
	}

	return Result{OK: true, Workers: workers, Endpoint: endpoint}
}

// FetchWorkers implements the engine's DetailFetcher fallback: workers that
// never appear in the paged list (Binance omits long-idle rigs) are queried
// one by one through the worker detail endpoint.
func (b *Binance) FetchWorkers(ctx context.Context, account, coin string, creds Credentials, workerTails []string) []Observation {
	algo := b.Algo(coin)
	if algo == "" {
		return nil
	}
	base := b.selectBase(ctx)
	if base == "" {
		return nil
	}

	var out []Observation
	for _, tail := range workerTails {
		values := url.Values{}
		values.Set("algo", algo)
		values.Set("userName", account)
		values.Set("workerName", tail)

		resp, err := b.signedGet(ctx, base, "/sapi/v1/mining/worker/detail", values, creds)
		if err != nil || resp.Status != http.StatusOK {
			continue
		}

		var env binanceDetailEnvelope
		if err := resp.DecodeJSON(&env); err != nil || env.Code != 0 {
			continue
		}
		for _, w := range parseBinanceDetail(env.Data, tail) {
			out = append(out, w)
		}
	}
	return out
}

// parseBinanceDetail accepts both the object and array forms of the detail
// payload.
func parseBinanceDetail(data json.RawMessage, fallbackName string) []Observation {
	var one binanceWorker
	if err := json.Unmarshal(data, &one); err == nil && (one.WorkerName != "" || one.HashRate > 0 || one.Status != 0) {
		if one.WorkerName == "" {
			one.WorkerName = fallbackName
		}
		return []Observation{binanceObservation(one)}
	}

	var many []binanceWorker
	if err := json.Unmarshal(data, &many); err == nil {
		out := make([]Observation, 0, len(many))
		for _, w := range many {
			if w.WorkerName == "" {
				w.WorkerName = fallbackName
			}
			out = append(out, binanceObservation(w))
		}
		return out
	}
	return nil
}

// binanceObservation normalises a worker entry. Binance status 1 means the
// worker is connected and hashing.
func binanceObservation(w binanceWorker) Observation {
	obs := Observation{
		Name:     w.WorkerName,
		Hashrate: w.HashRate,
	}
	if w.Status == 1 {
		obs.Alive = 1
	}
	return obs
}

// DetailFetcher is the optional fallback an adapter can provide for workers
// that are expected in a group but absent from the listed observations.
type DetailFetcher interface {
	FetchWorkers(ctx context.Context, account, coin string, creds Credentials, workerTails []string) []Observation
}
