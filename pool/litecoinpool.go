package pool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const liteCoinPoolBase = "https://www.litecoinpool.org"

// LiteCoinPool lists workers through litecoinpool.org's account API. The
// API key identifies the whole account, so one call covers every worker and
// the account and coin parameters are unused.
type LiteCoinPool struct {
	hc   *HTTPClient
	base string
}

// NewLiteCoinPool creates the LiteCoinPool adapter.
func NewLiteCoinPool(hc *HTTPClient) *LiteCoinPool {
	return &LiteCoinPool{hc: hc, base: liteCoinPoolBase}
}

func (l *LiteCoinPool) Name() string         { return "litecoinpool" }
func (l *LiteCoinPool) RequiresSecret() bool { return false }
func (l *LiteCoinPool) RecheckOffline() bool { return false }

type liteCoinPoolEnvelope struct {
	Workers map[string]liteCoinPoolWorker `json:"workers"`
}

type liteCoinPoolWorker struct {
	Connected bool    `json:"connected"`
	HashRate  float64 `json:"hash_rate"`
}

// ListWorkers implements Adapter. Hashrates arrive in kH/s and are
// normalised to H/s.
func (l *LiteCoinPool) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Result {
	endpoint := fmt.Sprintf("%s/api?api_key=%s", l.base, url.QueryEscape(creds.APIKey))

	resp, err := l.hc.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return Fail(ReasonTransport, endpoint, err.Error())
	}
	if resp.Status != http.StatusOK {
		return Fail(failReason(resp, nil), endpoint, resp.BodyPrefix())
	}

	var env liteCoinPoolEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return Fail(ReasonSchema, endpoint, resp.BodyPrefix())
	}
	if env.Workers == nil {
		return Fail(ReasonSchema, endpoint, resp.BodyPrefix())
	}

	workers := make([]Observation, 0, len(env.Workers))
	for fullName, w := range env.Workers {
		obs := Observation{
			Name:     fullName,
			Hashrate: w.HashRate * 1000,
		}
		if w.Connected {
			obs.Alive = 1
		}
		workers = append(workers, obs)
	}
	return Result{OK: true, Workers: workers, Endpoint: endpoint}
}
