package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const miningDutchBase = "https://www.mining-dutch.nl"

// Coin to pool-slug mappings. Mining Dutch hosts one pool page per
// algorithm and mirrors some under the coin name, so both families are
// probed in order: algo slug, coin slug, then the opposite algo.
var (
	miningDutchAlgoSlug = map[string]string{
		"BTC":  "sha256",
		"LTC":  "scrypt",
		"DOGE": "scrypt",
	}
	miningDutchCoinSlug = map[string]string{
		"BTC":  "bitcoin",
		"LTC":  "litecoin",
		"DOGE": "dogecoin",
	}
)

// MiningDutch lists workers through the Mining Dutch pool API. The payload
// shape varies by pool page generation, so the parser accepts several
// envelope layouts.
type MiningDutch struct {
	hc   *HTTPClient
	base string
}

// NewMiningDutch creates the Mining Dutch adapter.
func NewMiningDutch(hc *HTTPClient) *MiningDutch {
	return &MiningDutch{hc: hc, base: miningDutchBase}
}

func (m *MiningDutch) Name() string         { return "miningdutch" }
func (m *MiningDutch) RequiresSecret() bool { return false }
func (m *MiningDutch) RecheckOffline() bool { return false }

// slugCandidates returns the pool page slugs to try for a coin, in order.
func slugCandidates(coin string) []string {
	coin = strings.ToUpper(coin)
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(miningDutchAlgoSlug[coin])
	add(miningDutchCoinSlug[coin])
	// Opposite algo as a last resort for accounts migrated between pages.
	for _, slug := range []string{"sha256", "scrypt"} {
		add(slug)
	}
	return out
}

// ListWorkers implements Adapter. Each candidate slug is tried until one
// yields a parseable worker list.
func (m *MiningDutch) ListWorkers(ctx context.Context, account, coin string, creds Credentials) Result {
	var last Result
	for _, slug := range slugCandidates(coin) {
		res := m.listOnce(ctx, slug, account, creds)
		if res.OK {
			return res
		}
		last = res
	}
	if last.Reason == "" {
		last = Fail(ReasonSchema, m.base, "no pool slug matched coin "+coin)
	}
	return last
}

func (m *MiningDutch) listOnce(ctx context.Context, slug, account string, creds Credentials) Result {
	endpoint := fmt.Sprintf("%s/pools/%s.php?page=api&action=getuserworkers&id=%s&api_key=%s",
		m.base, slug, url.QueryEscape(account), url.QueryEscape(creds.APIKey))

	resp, err := m.hc.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return Fail(ReasonTransport, endpoint, err.Error())
	}
	if resp.Status != http.StatusOK {
		return Fail(failReason(resp, nil), endpoint, resp.BodyPrefix())
	}

	workers, ok := parseMiningDutch(resp.Body)
	if !ok {
		return Fail(ReasonSchema, endpoint, resp.BodyPrefix())
	}
	return Result{OK: true, Workers: workers, Endpoint: endpoint}
}

// parseMiningDutch digs the worker collection out of any of the known
// envelope shapes:
//
//	{"getuserworkers":{"data":{"miners"|"workers": ...}}}
//	{"data":{"workers": ...}}
//	{"workers": ...}
//	{"data": ...}
//
// where the collection itself is either an array or a string-keyed map.
func parseMiningDutch(body []byte) ([]Observation, bool) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, false
	}

	if raw, ok := root["getuserworkers"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err == nil {
			if data, ok := inner["data"]; ok {
				if workers, ok := parseWorkerContainer(data); ok {
					return workers, true
				}
			}
		}
	}

	if raw, ok := root["data"]; ok {
		if workers, ok := parseWorkerContainer(raw); ok {
			return workers, true
		}
	}

	if raw, ok := root["workers"]; ok {
		if workers, ok := parseWorkerCollection(raw); ok {
			return workers, true
		}
	}

	return nil, false
}

// parseWorkerContainer accepts either the collection itself or one more
// level of {"miners"|"workers": collection} nesting.
func parseWorkerContainer(raw json.RawMessage) ([]Observation, bool) {
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(raw, &inner); err == nil {
		for _, key := range []string{"miners", "workers"} {
			if nested, ok := inner[key]; ok {
				return parseWorkerCollection(nested)
			}
		}
	}
	return parseWorkerCollection(raw)
}

// parseWorkerCollection accepts an array of worker objects or a string-keyed
// map of them. In the map form the key doubles as a name fallback.
func parseWorkerCollection(raw json.RawMessage) ([]Observation, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		out := make([]Observation, 0, len(arr))
		for _, item := range arr {
			if obs, ok := parseDutchWorker(item, ""); ok {
				out = append(out, obs)
			}
		}
		return out, true
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err == nil {
		out := make([]Observation, 0, len(m))
		for key, item := range m {
			if obs, ok := parseDutchWorker(item, key); ok {
				out = append(out, obs)
			}
		}
		return out, true
	}

	return nil, false
}

// parseDutchWorker builds an observation from one loose worker object.
// keyName, when non-empty, is the map key and serves as the name fallback.
func parseDutchWorker(raw json.RawMessage, keyName string) (Observation, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Entries can be plain hashrate numbers keyed by worker name.
		if keyName != "" {
			if rate, ok := looseNumber(raw); ok {
				return Observation{Name: keyName, Hashrate: rate}, true
			}
		}
		return Observation{}, false
	}

	obs := Observation{Name: keyName}
	for _, key := range []string{"worker", "name", "username"} {
		if raw, ok := fields[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				obs.Name = s
				break
			}
		}
	}
	if obs.Name == "" {
		return Observation{}, false
	}

	if raw, ok := fields["hashrate"]; ok {
		if n, ok := looseNumber(raw); ok {
			obs.Hashrate = n
		}
	}
	if raw, ok := fields["alive"]; ok {
		if n, ok := looseNumber(raw); ok {
			obs.Alive = n
		}
	}
	if raw, ok := fields["status"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			obs.Status = s
		}
	}
	return obs, true
}

// looseNumber accepts both JSON numbers and numeric strings.
func looseNumber(raw json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}
