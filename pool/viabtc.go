package pool

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const viaBTCBase = "https://www.viabtc.net"

// ViaBTC lists workers through the ViaBTC open API. Authentication is a
// single X-API-KEY header; the account is implied by the key so the account
// parameter is unused.
type ViaBTC struct {
	hc   *HTTPClient
	base string
}

// NewViaBTC creates the ViaBTC adapter.
func NewViaBTC(hc *HTTPClient) *ViaBTC {
	return &ViaBTC{hc: hc, base: viaBTCBase}
}

func (v *ViaBTC) Name() string         { return "viabtc" }
func (v *ViaBTC) RequiresSecret() bool { return false }

// RecheckOffline is true: the 10-minute hashrate window regularly reads
// zero for a worker that is merely between share batches.
func (v *ViaBTC) RecheckOffline() bool { return true }

type viaBTCEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Data []viaBTCWorker `json:"data"`
	} `json:"data"`
}

type viaBTCWorker struct {
	WorkerName    string  `json:"worker_name"`
	WorkerStatus  string  `json:"worker_status"`
	Hashrate10Min float64 `json:"hashrate_10min"`
}

// ListWorkers implements Adapter.
func (v *ViaBTC) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Result {
	endpoint := fmt.Sprintf("%s/res/openapi/v1/hashrate/worker?coin=%s", v.base, strings.ToUpper(coin))

	resp, err := v.hc.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-KEY", creds.APIKey)
		return req, nil
	})
	if err != nil {
		return Fail(ReasonTransport, endpoint, err.Error())
	}
	if resp.Status != http.StatusOK {
		return Fail(failReason(resp, nil), endpoint, resp.BodyPrefix())
	}

	var env viaBTCEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return Fail(ReasonSchema, endpoint, resp.BodyPrefix())
	}
	if env.Code != 0 {
		return Fail(fmt.Sprintf("logical:%d", env.Code), endpoint, resp.BodyPrefix())
	}

	workers := make([]Observation, 0, len(env.Data.Data))
	for _, w := range env.Data.Data {
		workers = append(workers, Observation{
			Name:     w.WorkerName,
			Hashrate: w.Hashrate10Min,
			Status:   w.WorkerStatus,
		})
	}
	return Result{OK: true, Workers: workers, Endpoint: endpoint}
}
