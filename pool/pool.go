// Package pool translates the idiosyncratic HTTP APIs of the supported
// mining pools into a uniform worker observation model.
//
// Every adapter implements the same single operation: list the workers a
// pool reports for one account, normalised into Observation values. An
// adapter distinguishes carefully between "the pool says there are zero
// workers" (an Ok result with no workers) and "the pool could not be asked"
// (a Fail result); the reconciliation engine treats the two very differently.
package pool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Failure reasons reported on a Fail result. HTTP and pool-logic failures
// carry the status or code as a suffix, e.g. "http:503" or "logical:-2011".
const (
	ReasonTransport  = "transport"
	ReasonSchema     = "schema"
	ReasonAuth       = "auth"
	ReasonGeoblocked = "geoblocked"
)

// F2Pool considers a worker still alive when its last share is at most this
// old, even if the instantaneous hashrate reads zero.
const lastShareWindow = 90 * time.Minute

// Credentials carries the API credentials stored on a miner record.
// SecretKey is only required by pools that sign requests.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Observation is the adapter-normalised fact about one worker.
type Observation struct {
	// Name is the pool-reported identifier; it may be the bare worker
	// suffix or the fully-qualified account.worker form.
	Name string

	// Hashrate in pool-native units; the engine only tests > 0.
	Hashrate float64

	// Alive is an optional numeric liveness hint (> 0 means alive).
	Alive float64

	// Status is an optional free-form label such as "active" or "unactive".
	Status string

	// LastShareMS is the epoch-ms of the worker's last accepted share,
	// or 0 when the pool does not report it.
	LastShareMS int64
}

// positiveLabels and negativeLabels classify the free-form status strings
// the pools emit. The Portuguese entries come from hosting customers whose
// pool-side worker labels are localised.
var positiveLabels = map[string]bool{
	"active": true, "online": true, "alive": true, "running": true,
	"up": true, "ok": true, "connected": true, "working": true,
	"ativo": true, "ligado": true, "ativa": true,
}

var negativeLabels = map[string]bool{
	"unactive": true, "inactive": true, "offline": true, "down": true,
	"dead": true, "parado": true, "desligado": true, "inativa": true,
}

// Online reports whether the observation indicates a hashing worker at the
// given instant. A positive hashrate always wins; an explicitly negative
// label forces offline when the hashrate is unknown or zero; otherwise a
// positive label, a liveness hint, or a recent enough share counts.
func (o Observation) Online(now time.Time) bool {
	if o.Hashrate > 0 {
		return true
	}

	label := strings.ToLower(strings.TrimSpace(o.Status))
	if negativeLabels[label] {
		return false
	}
	if positiveLabels[label] {
		return true
	}
	if o.Alive > 0 {
		return true
	}
	if o.LastShareMS > 0 {
		last := time.UnixMilli(o.LastShareMS)
		if now.Sub(last) < lastShareWindow {
			return true
		}
	}
	return false
}

// Result is the outcome of a ListWorkers call.
type Result struct {
	// OK is true when the pool answered authoritatively, even with zero
	// workers. False means the API could not be consulted; Reason says why.
	OK bool

	// Reason classifies a failure: transport, http:<status>,
	// logical:<code>, schema, auth, geoblocked. Empty on success.
	Reason string

	// Workers holds the normalised observations on success.
	Workers []Observation

	// Endpoint is the URL (or URL family) that was queried, for logs.
	Endpoint string

	// Diag carries a bounded response excerpt for diagnostics.
	Diag string
}

// Fail builds a failed Result.
func Fail(reason, endpoint, diag string) Result {
	return Result{Reason: reason, Endpoint: endpoint, Diag: diag}
}

// Adapter is the single operation every pool integration exposes.
type Adapter interface {
	// Name returns the canonical lowercase pool tag.
	Name() string

	// RequiresSecret reports whether the pool signs requests and therefore
	// needs both api_key and secret_key.
	RequiresSecret() bool

	// RecheckOffline reports whether the engine should issue a second
	// ListWorkers call to re-verify workers the first response classified
	// offline. ViaBTC's 10-minute hashrate window is noisy enough that a
	// single poll produces false offlines.
	RecheckOffline() bool

	// ListWorkers fetches and normalises the workers the pool reports for
	// the account. account is the head of the dotted worker name; pools
	// keyed purely by API key ignore it.
	ListWorkers(ctx context.Context, account, coin string, creds Credentials) Result
}

// Registry dispatches pool tags to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry containing the given adapters, keyed by
// their canonical names.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// DefaultRegistry returns a registry with all five supported pools wired to
// the given HTTP client. binanceBase optionally overrides the Binance API
// host probe list.
func DefaultRegistry(hc *HTTPClient, binanceBase string) *Registry {
	return NewRegistry(
		NewViaBTC(hc),
		NewLiteCoinPool(hc),
		NewMiningDutch(hc),
		NewF2Pool(hc),
		NewBinance(hc, binanceBase),
	)
}

// Normalize folds a stored pool tag to its canonical lowercase form.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Lookup returns the adapter for a pool tag (case-insensitive exact match).
func (r *Registry) Lookup(name string) (Adapter, error) {
	a, ok := r.adapters[Normalize(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported_pool: %q", name)
	}
	return a, nil
}

// Supported reports whether the pool tag is known.
func (r *Registry) Supported(name string) bool {
	_, ok := r.adapters[Normalize(name)]
	return ok
}

// Names returns the canonical tags of all registered pools.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// HasCredentials reports whether the miner credentials satisfy the pool's
// requirements.
func (r *Registry) HasCredentials(name string, creds Credentials) bool {
	a, err := r.Lookup(name)
	if err != nil {
		return false
	}
	if creds.APIKey == "" {
		return false
	}
	if a.RequiresSecret() && creds.SecretKey == "" {
		return false
	}
	return true
}
