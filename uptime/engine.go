// Package uptime implements the slot reconciliation engine: each tick it
// asks every pool about its workers, credits quarter-hour billing
// increments for workers that are hashing, and drives the two-slot
// confirmation state machine that separates transient pool-API failure
// from genuine miner downtime.
package uptime

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"minerwatch/logger"
	"minerwatch/names"
	"minerwatch/pool"
	"minerwatch/slot"
	"minerwatch/store"
)

// Skip reasons on a TickSummary.
const (
	SkipLockHeld        = "slot_lock_held"
	SkipUnsupportedPool = "unsupported_pool"
)

// Store is the persistence surface the engine needs.
type Store interface {
	SelectCandidates(ctx context.Context, pool string, needSecret bool) ([]store.Miner, error)
	IncrementHours(ctx context.Context, ids []string) (int64, error)
	SetStatus(ctx context.Context, ids []string, newStatus string) ([]string, error)
}

// SideState is the key-value surface holding locks and confirmation state.
type SideState interface {
	AcquireSlotLock(ctx context.Context, pool, slotID string) (bool, error)
	LastOnline(ctx context.Context, pool, minerID string) (string, error)
	SetLastOnline(ctx context.Context, pool, minerID, slotID string) error
	ClearLastOnline(ctx context.Context, pool, minerID string) error
	OfflineCandidate(ctx context.Context, pool, minerID string) (string, error)
	SetOfflineCandidate(ctx context.Context, pool, minerID, slotID string) error
	ClearOfflineCandidate(ctx context.Context, pool, minerID string) error
}

// Config tunes the confirmation state machine.
type Config struct {
	// Grace is the window in which a recently-online miner keeps earning
	// billing credit when the current poll cannot confirm it.
	Grace time.Duration

	// OfflineConfirm is the minimum span of consecutive observed-offline
	// slots before a status flips to offline. 30 minutes means two slots.
	OfflineConfirm time.Duration

	// GroupConcurrency bounds how many pool-API groups are polled at once.
	GroupConcurrency int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Grace:            30 * time.Minute,
		OfflineConfirm:   30 * time.Minute,
		GroupConcurrency: 4,
	}
}

// Engine reconciles one pool per RunPool call.
type Engine struct {
	store Store
	side  SideState
	reg   *pool.Registry
	coord *slot.Coordinator
	pub   Publisher

	mu  sync.RWMutex
	cfg Config

	// now is swappable for tests.
	now func() time.Time
}

// New creates an engine. pub may be nil.
func New(st Store, side SideState, reg *pool.Registry, coord *slot.Coordinator, cfg Config, pub Publisher) *Engine {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultConfig().Grace
	}
	if cfg.OfflineConfirm <= 0 {
		cfg.OfflineConfirm = DefaultConfig().OfflineConfirm
	}
	if cfg.GroupConcurrency <= 0 {
		cfg.GroupConcurrency = DefaultConfig().GroupConcurrency
	}
	return &Engine{
		store: st,
		side:  side,
		reg:   reg,
		coord: coord,
		cfg:   cfg,
		pub:   pub,
		now:   time.Now,
	}
}

// Retune swaps the confirmation tuning. Applied on config hot reload;
// ticks already in flight keep the tuning they started with per call site.
func (e *Engine) Retune(cfg Config) {
	if cfg.Grace <= 0 || cfg.OfflineConfirm <= 0 || cfg.GroupConcurrency <= 0 {
		return
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) tuning() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// group is the set of miners reachable in one pool API call.
type group struct {
	account string
	coin    string
	creds   pool.Credentials
	miners  []store.Miner
}

// outcome collects the classification of one group.
type outcome struct {
	credit        []string
	statusOnline  []string
	statusOffline []string
	failed        bool
}

// RunAll reconciles every registered pool in sequence. Per-pool errors are
// logged and do not stop the remaining pools.
func (e *Engine) RunAll(ctx context.Context) {
	pools := e.reg.Names()
	sort.Strings(pools)
	for _, p := range pools {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.RunPool(ctx, p); err != nil {
			logger.ErrorContext(ctx, "uptime tick failed", "pool", p, "error", err)
		}
	}
}

// RunPool reconciles a single pool for the current slot.
func (e *Engine) RunPool(ctx context.Context, poolName string) (*TickSummary, error) {
	start := e.now()
	slotID := slot.Current(start)
	poolName = pool.Normalize(poolName)
	ctx = logger.WithPool(ctx, poolName)

	summary := &TickSummary{Pool: poolName, Slot: slotID}
	defer func() {
		summary.Elapsed = e.now().Sub(start)
		if e.pub != nil {
			e.pub.PublishTick(*summary)
		}
	}()

	adapter, err := e.reg.Lookup(poolName)
	if err != nil {
		summary.Skipped = true
		summary.SkipReason = SkipUnsupportedPool
		logger.WarnContext(ctx, "skipping unsupported pool", "pool", poolName)
		return summary, nil
	}

	acquired, err := e.side.AcquireSlotLock(ctx, poolName, slotID)
	if err != nil {
		return summary, err
	}
	if !acquired {
		summary.Skipped = true
		summary.SkipReason = SkipLockHeld
		logger.DebugContext(ctx, "slot already being processed", "pool", poolName, "slot", slotID)
		return summary, nil
	}

	miners, err := e.store.SelectCandidates(ctx, poolName, adapter.RequiresSecret())
	if err != nil {
		return summary, err
	}

	groups := e.groupMiners(poolName, miners)
	summary.Groups = len(groups)
	for _, g := range groups {
		summary.Miners += len(g.miners)
	}

	outcomes := make([]*outcome, len(groups))
	var mu sync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.tuning().GroupConcurrency)
	for i, g := range groups {
		eg.Go(func() error {
			out := e.reconcileGroup(gctx, poolName, adapter, g, slotID)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return summary, err
	}

	// Merge and apply in the mandated order: hours first so a miner newly
	// confirmed offline still keeps the credit it earned under grace.
	var credit, online, offline []string
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		if out.failed {
			summary.GroupFailures++
		}
		credit = append(credit, out.credit...)
		online = append(online, out.statusOnline...)
		offline = append(offline, out.statusOffline...)
	}

	credit = e.coord.Dedupe(slotID, credit)
	if n, err := e.store.IncrementHours(ctx, credit); err != nil {
		logger.ErrorContext(ctx, "hours increment failed", "pool", poolName, "error", err)
	} else {
		summary.Credited = int(n)
	}

	if updated, err := e.store.SetStatus(ctx, online, store.StatusOnline); err != nil {
		logger.ErrorContext(ctx, "status online update failed", "pool", poolName, "error", err)
	} else {
		summary.StatusOnline = len(updated)
	}

	if updated, err := e.store.SetStatus(ctx, offline, store.StatusOffline); err != nil {
		logger.ErrorContext(ctx, "status offline update failed", "pool", poolName, "error", err)
	} else {
		summary.StatusOffline = len(updated)
		for _, id := range updated {
			logger.InfoContext(ctx, "miner confirmed offline", "pool", poolName, "miner", id, "slot", slotID)
		}
	}

	logger.InfoContext(ctx, "uptime tick complete",
		"pool", poolName,
		"slot", slotID,
		"groups", summary.Groups,
		"miners", summary.Miners,
		"credited", summary.Credited,
		"status_online", summary.StatusOnline,
		"status_offline", summary.StatusOffline,
		"group_failures", summary.GroupFailures)

	return summary, nil
}

// groupMiners buckets candidates into one group per API call. Pools keyed
// by a single tenant key (LiteCoinPool) group on the key alone; the rest
// group on (key, secret, account, coin). Maintenance rows are dropped here:
// nothing downstream may touch them.
func (e *Engine) groupMiners(poolName string, miners []store.Miner) []group {
	singleTenant := poolName == "litecoinpool"

	byKey := make(map[string]*group)
	var order []string
	for _, m := range miners {
		if strings.EqualFold(m.StatusText(), store.StatusMaintenance) {
			continue
		}
		creds := pool.Credentials{APIKey: m.APIKey.String, SecretKey: m.SecretKey.String}
		if !e.reg.HasCredentials(poolName, creds) {
			logger.Debug("miner skipped: missing credentials", "pool", poolName, "miner", m.ID)
			continue
		}
		if names.Clean(m.WorkerName) == "" {
			continue
		}

		account := names.Head(m.WorkerName)
		key := creds.APIKey + "\x00" + creds.SecretKey + "\x00" + account + "\x00" + strings.ToUpper(m.Coin)
		if singleTenant {
			key = creds.APIKey
		}

		g, ok := byKey[key]
		if !ok {
			g = &group{account: account, coin: strings.ToUpper(m.Coin), creds: creds}
			byKey[key] = g
			order = append(order, key)
		}
		g.miners = append(g.miners, m)
	}

	out := make([]group, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// reconcileGroup calls the adapter once (twice for recheck pools) and
// classifies every miner in the group.
func (e *Engine) reconcileGroup(ctx context.Context, poolName string, adapter pool.Adapter, g group, slotID string) *outcome {
	out := &outcome{}

	res := adapter.ListWorkers(ctx, g.account, g.coin, g.creds)
	if !res.OK {
		out.failed = true
		logger.WarnContext(ctx, "pool api call failed",
			"pool", poolName,
			"account", g.account,
			"coin", g.coin,
			"reason", res.Reason,
			"endpoint", res.Endpoint,
			"diag", res.Diag)
		e.applyFailureBranch(ctx, poolName, g, out)
		return out
	}

	idx := pool.NewIndex(res.Workers)

	// Fold in per-worker detail lookups for miners the listing never
	// mentioned, when the adapter supports it (Binance).
	if df, ok := adapter.(pool.DetailFetcher); ok {
		missing := e.missingTails(g, idx)
		if len(missing) > 0 {
			idx.Add(df.FetchWorkers(ctx, g.account, g.coin, g.creds, missing))
		}
	}

	now := e.now()
	offlineSeen := false
	for _, m := range g.miners {
		obs, found := idx.Match(m.WorkerName)
		if found && obs.Online(now) {
			continue
		}
		offlineSeen = true
		break
	}

	// A second listing pass for noisy pools: any worker online in either
	// response counts as online.
	if offlineSeen && adapter.RecheckOffline() {
		second := adapter.ListWorkers(ctx, g.account, g.coin, g.creds)
		if second.OK {
			idx.Add(second.Workers)
		}
	}

	for _, m := range g.miners {
		e.classifyMiner(ctx, poolName, m, idx, slotID, out)
	}
	return out
}

// classifyMiner runs the confirmation state machine for one miner against
// the observation index.
func (e *Engine) classifyMiner(ctx context.Context, poolName string, m store.Miner, idx *pool.Index, slotID string, out *outcome) {
	now := e.now()
	obs, found := idx.Match(m.WorkerName)

	if found && obs.Online(now) {
		out.credit = append(out.credit, m.ID)
		out.statusOnline = append(out.statusOnline, m.ID)
		if err := e.side.SetLastOnline(ctx, poolName, m.ID, slotID); err != nil {
			logger.WarnContext(ctx, "lastOnline write failed", "miner", m.ID, "error", err)
		}
		if err := e.side.ClearOfflineCandidate(ctx, poolName, m.ID); err != nil {
			logger.WarnContext(ctx, "candidate clear failed", "miner", m.ID, "error", err)
		}
		return
	}

	if !found {
		// The pool knows nothing of this worker: inconclusive. Billing may
		// still flow under grace but status never changes on absence.
		if e.underGrace(ctx, poolName, m) {
			out.credit = append(out.credit, m.ID)
		}
		return
	}

	// A live adapter response says the worker is offline.
	if strings.EqualFold(m.StatusText(), store.StatusOffline) {
		// Already offline in the database; drop any stale candidate.
		if err := e.side.ClearOfflineCandidate(ctx, poolName, m.ID); err != nil {
			logger.WarnContext(ctx, "candidate clear failed", "miner", m.ID, "error", err)
		}
		return
	}

	candidate, err := e.side.OfflineCandidate(ctx, poolName, m.ID)
	if err != nil {
		logger.WarnContext(ctx, "candidate read failed", "miner", m.ID, "error", err)
		candidate = ""
	}

	if candidate == "" {
		// First offline sighting: start the confirmation window, keep
		// billing alive under grace, leave status untouched.
		if err := e.side.SetOfflineCandidate(ctx, poolName, m.ID, slotID); err != nil {
			logger.WarnContext(ctx, "candidate write failed", "miner", m.ID, "error", err)
		}
		if e.underGrace(ctx, poolName, m) {
			out.credit = append(out.credit, m.ID)
		}
		return
	}

	if e.confirmedOffline(candidate, slotID) {
		out.statusOffline = append(out.statusOffline, m.ID)
		if err := e.side.ClearOfflineCandidate(ctx, poolName, m.ID); err != nil {
			logger.WarnContext(ctx, "candidate clear failed", "miner", m.ID, "error", err)
		}
		if err := e.side.ClearLastOnline(ctx, poolName, m.ID); err != nil {
			logger.WarnContext(ctx, "lastOnline clear failed", "miner", m.ID, "error", err)
		}
		return
	}

	// Confirmation window still open.
	if e.underGrace(ctx, poolName, m) {
		out.credit = append(out.credit, m.ID)
	}
}

// applyFailureBranch handles a group-wide API failure: billing continues
// under grace, status never changes.
func (e *Engine) applyFailureBranch(ctx context.Context, poolName string, g group, out *outcome) {
	for _, m := range g.miners {
		if e.underGrace(ctx, poolName, m) {
			out.credit = append(out.credit, m.ID)
		}
	}
}

// underGrace reports whether the miner keeps earning billing credit in a
// slot where the poll could not confirm it online: either its last
// confirmed-online slot is recent enough, or the database still says it is
// online.
func (e *Engine) underGrace(ctx context.Context, poolName string, m store.Miner) bool {
	last, err := e.side.LastOnline(ctx, poolName, m.ID)
	if err != nil {
		logger.WarnContext(ctx, "lastOnline read failed", "miner", m.ID, "error", err)
	}
	if last != "" {
		if ts, err := slot.Time(last); err == nil && e.now().Sub(ts) <= e.tuning().Grace {
			return true
		}
	}
	return strings.EqualFold(m.StatusText(), store.StatusOnline)
}

// confirmedOffline reports whether the span of consecutive observed-offline
// slots, from the candidate slot through the end of the current one, has
// reached the confirmation window. With 15-minute slots and a 30-minute
// window that means two consecutive offline observations.
func (e *Engine) confirmedOffline(candidateSlot, currentSlot string) bool {
	candTime, err := slot.Time(candidateSlot)
	if err != nil {
		return false
	}
	curTime, err := slot.Time(currentSlot)
	if err != nil {
		return false
	}
	if !curTime.After(candTime) {
		return false
	}
	observedSpan := curTime.Sub(candTime) + slot.Length
	return observedSpan >= e.tuning().OfflineConfirm
}

// missingTails returns the cleaned worker suffixes of group miners that
// have no observation in the index.
func (e *Engine) missingTails(g group, idx *pool.Index) []string {
	var missing []string
	for _, m := range g.miners {
		if _, found := idx.Match(m.WorkerName); !found {
			missing = append(missing, names.Tail(m.WorkerName))
		}
	}
	return missing
}
