package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const f2PoolBase = "https://api.f2pool.com"

const f2PoolPageSize = 200

// f2PoolCurrency maps coin tickers to F2Pool currency slugs. Unlisted
// tickers fall through to their lowercased form.
var f2PoolCurrency = map[string]string{
	"BTC":  "bitcoin",
	"BCH":  "bitcoin-cash",
	"BSV":  "bitcoin-sv",
	"LTC":  "litecoin",
	"KAS":  "kaspa",
	"CFX":  "conflux",
	"ETC":  "ethereum-classic",
	"DASH": "dash",
	"SC":   "sia",
}

// F2Pool lists workers through the F2Pool v2 API. Requests are
// authenticated with the F2P-API-SECRET header; liveness rides on the
// last-share timestamp because idle workers report a zero hashrate between
// share batches.
type F2Pool struct {
	hc   *HTTPClient
	base string
}

// NewF2Pool creates the F2Pool adapter.
func NewF2Pool(hc *HTTPClient) *F2Pool {
	return &F2Pool{hc: hc, base: f2PoolBase}
}

func (f *F2Pool) Name() string         { return "f2pool" }
func (f *F2Pool) RequiresSecret() bool { return false }
func (f *F2Pool) RecheckOffline() bool { return false }

func f2PoolSlug(coin string) string {
	coin = strings.ToUpper(coin)
	if slug, ok := f2PoolCurrency[coin]; ok {
		return slug
	}
	return strings.ToLower(coin)
}

type f2PoolRequest struct {
	Currency       string `json:"currency"`
	MiningUserName string `json:"mining_user_name"`
	Page           int    `json:"page"`
	Size           int    `json:"size"`
}

type f2PoolEnvelope struct {
	Code    int            `json:"code"`
	Msg     string         `json:"msg"`
	Workers []f2PoolWorker `json:"workers"`
}

type f2PoolWorker struct {
	HashRateInfo struct {
		Name     string  `json:"name"`
		HashRate float64 `json:"hash_rate"`
	} `json:"hash_rate_info"`
	WorkerName  string  `json:"worker_name"`
	Name        string  `json:"name"`
	LastShareAt float64 `json:"last_share_at"`
	Status      int     `json:"status"`
}

// ListWorkers implements Adapter. Pages are fetched until one returns fewer
// than the page size.
func (f *F2Pool) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Result {
	endpoint := f.base + "/v2/hash_rate/worker/list"
	slug := f2PoolSlug(coin)

	var workers []Observation
	for page := 1; ; page++ {
		body, err := json.Marshal(f2PoolRequest{
			Currency:       slug,
			MiningUserName: account,
			Page:           page,
			Size:           f2PoolPageSize,
		})
		if err != nil {
			return Fail(ReasonSchema, endpoint, err.Error())
		}

		resp, err := f.hc.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("F2P-API-SECRET", creds.APIKey)
			return req, nil
		})
		if err != nil {
			return Fail(ReasonTransport, endpoint, err.Error())
		}
		if resp.Status != http.StatusOK {
			return Fail(failReason(resp, nil), endpoint, resp.BodyPrefix())
		}

		var env f2PoolEnvelope
		if err := resp.DecodeJSON(&env); err != nil {
			return Fail(ReasonSchema, endpoint, resp.BodyPrefix())
		}
		if env.Code != 0 {
			return Fail(fmt.Sprintf("logical:%d", env.Code), endpoint, resp.BodyPrefix())
		}

		for _, w := range env.Workers {
			workers = append(workers, f2PoolObservation(w))
		}
		if len(env.Workers) < f2PoolPageSize {
			break
		}
	}

	return Result{OK: true, Workers: workers, Endpoint: endpoint}
}

// f2PoolObservation normalises one worker entry. last_share_at arrives as
// epoch seconds on older accounts and epoch milliseconds on newer ones.
func f2PoolObservation(w f2PoolWorker) Observation {
	name := w.HashRateInfo.Name
	if name == "" {
		name = w.WorkerName
	}
	if name == "" {
		name = w.Name
	}

	lastShareMS := int64(w.LastShareAt)
	if lastShareMS > 0 && lastShareMS < 1e11 {
		lastShareMS *= 1000
	}

	obs := Observation{
		Name:        name,
		Hashrate:    w.HashRateInfo.HashRate,
		LastShareMS: lastShareMS,
	}
	// Status 1 is F2Pool's explicit offline flag; it only sticks when the
	// hashrate is also zero.
	if w.Status == 1 && obs.Hashrate == 0 {
		obs.Status = "offline"
	}
	return obs
}
