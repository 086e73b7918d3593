// Package status serves on-demand miner status over HTTP. It reuses the
// same pool adapters as the uptime job but never mutates anything: no
// database writes, no key-value state, just a short-lived response cache
// in front of live pool polls.
package status

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"minerwatch/logger"
	"minerwatch/names"
	"minerwatch/pool"
	"minerwatch/store"
)

// DefaultConcurrency bounds parallel adapter calls in a batch request.
const DefaultConcurrency = 4

// Error codes surfaced in fallback projections.
const (
	ErrCodeDB          = "db_error"
	ErrCodeUnknown     = "unknown_miner"
	ErrCodeUnsupported = "unsupported_pool"
	ErrCodeCredentials = "missing_credentials"
)

// Projection is the uniform answer for one miner.
type Projection struct {
	ID           string  `json:"id"`
	WorkerStatus string  `json:"worker_status"`
	Hashrate     float64 `json:"hashrate_10min"`
	Pool         string  `json:"pool,omitempty"`
	WorkerFound  bool    `json:"worker_found"`
	Error        string  `json:"error,omitempty"`
}

// Reader is the persistence surface the service needs.
type Reader interface {
	GetMiner(ctx context.Context, id string) (*store.Miner, error)
	GetMiners(ctx context.Context, ids []string) ([]store.Miner, error)
}

// Service answers single and batch status queries.
type Service struct {
	store Reader
	reg   *pool.Registry
	cache *cache
	sem   *semaphore.Weighted
}

// New creates a status service. concurrency <= 0 and ttl <= 0 select the
// defaults.
func New(st Reader, reg *pool.Registry, concurrency int, ttl time.Duration) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Service{
		store: st,
		reg:   reg,
		cache: newCache(ttl),
		sem:   semaphore.NewWeighted(int64(concurrency)),
	}
}

// GetStatus answers a single miner query, serving from cache unless refresh
// is set. A non-nil error means the database lookup itself failed; an
// unknown id is not an error and comes back as a fallback projection.
func (s *Service) GetStatus(ctx context.Context, id string, refresh bool) (Projection, error) {
	if !refresh {
		if proj, ok := s.cache.get(id); ok {
			return proj, nil
		}
	}

	m, err := s.store.GetMiner(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Projection{ID: id, WorkerStatus: store.StatusOffline, Error: ErrCodeUnknown}, nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "status db lookup failed", "miner", id, "error", err)
		return Projection{}, err
	}

	proj := s.poll(ctx, *m)
	s.cache.put(id, proj)
	return proj, nil
}

// GetStatusMany answers a batch query. Cached answers are reused per id;
// misses are looked up in one database round trip and then polled with
// bounded concurrency. Results come back in request order.
func (s *Service) GetStatusMany(ctx context.Context, ids []string) []Projection {
	out := make([]Projection, len(ids))
	var missIdx []int
	var missIDs []string
	for i, id := range ids {
		if proj, ok := s.cache.get(id); ok {
			out[i] = proj
			continue
		}
		missIdx = append(missIdx, i)
		missIDs = append(missIDs, id)
	}
	if len(missIDs) == 0 {
		return out
	}

	miners, err := s.store.GetMiners(ctx, missIDs)
	if err != nil {
		// Cached answers above survive; every miss degrades.
		for n, i := range missIdx {
			out[i] = s.dbFallback(ctx, missIDs[n], err)
		}
		return out
	}

	byID := make(map[string]store.Miner, len(miners))
	for _, m := range miners {
		byID[m.ID] = m
	}

	results := make([]Projection, len(missIDs))
	var wg sync.WaitGroup
	for n := range missIDs {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			results[n] = Projection{ID: missIDs[n], WorkerStatus: store.StatusOffline, Error: ErrCodeDB}
			continue
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			defer s.sem.Release(1)
			id := missIDs[n]
			m, ok := byID[id]
			if !ok {
				results[n] = Projection{ID: id, WorkerStatus: store.StatusOffline, Error: ErrCodeUnknown}
				return
			}
			proj := s.poll(ctx, m)
			s.cache.put(id, proj)
			results[n] = proj
		}(n)
	}
	wg.Wait()

	for n, i := range missIdx {
		out[i] = results[n]
	}
	return out
}

// dbFallback degrades one batch entry when the shared lookup failed. Only
// the batch path uses it; a single-miner query surfaces the error instead.
func (s *Service) dbFallback(ctx context.Context, id string, err error) Projection {
	logger.ErrorContext(ctx, "status db lookup failed", "miner", id, "error", err)
	return Projection{ID: id, WorkerStatus: store.StatusOffline, Error: ErrCodeDB}
}

// poll asks the miner's pool for a live observation and projects it.
func (s *Service) poll(ctx context.Context, m store.Miner) Projection {
	proj := Projection{ID: m.ID, Pool: pool.Normalize(m.Pool), WorkerStatus: store.StatusOffline}

	// Maintenance is sticky on the read path too.
	if strings.EqualFold(m.StatusText(), store.StatusMaintenance) {
		proj.WorkerStatus = store.StatusMaintenance
		return proj
	}

	adapter, err := s.reg.Lookup(m.Pool)
	if err != nil {
		proj.Error = ErrCodeUnsupported
		return proj
	}
	creds := pool.Credentials{APIKey: m.APIKey.String, SecretKey: m.SecretKey.String}
	if !s.reg.HasCredentials(proj.Pool, creds) || names.Clean(m.WorkerName) == "" {
		proj.Error = ErrCodeCredentials
		return proj
	}

	res := adapter.ListWorkers(ctx, names.Head(m.WorkerName), m.Coin, creds)
	if !res.OK {
		proj.Error = res.Reason
		return proj
	}

	idx := pool.NewIndex(res.Workers)
	obs, found := idx.Match(m.WorkerName)
	if !found {
		if df, ok := adapter.(pool.DetailFetcher); ok {
			idx.Add(df.FetchWorkers(ctx, names.Head(m.WorkerName), m.Coin, creds, []string{names.Tail(m.WorkerName)}))
			obs, found = idx.Match(m.WorkerName)
		}
	}
	if !found {
		return proj
	}

	proj.WorkerFound = true
	proj.Hashrate = obs.Hashrate
	if obs.Online(time.Now()) {
		proj.WorkerStatus = store.StatusOnline
	}
	return proj
}
