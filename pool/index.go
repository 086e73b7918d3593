package pool

import (
	"time"

	"minerwatch/names"
)

// Index matches observations to stored worker names by exact cleaned name,
// by worker tail, and by the fuzzy tail key, in that order of preference.
type Index struct {
	byName    map[string]Observation
	byTail    map[string]Observation
	byTailKey map[string]Observation
}

// NewIndex builds an index over the given observations.
func NewIndex(workers []Observation) *Index {
	idx := &Index{
		byName:    make(map[string]Observation),
		byTail:    make(map[string]Observation),
		byTailKey: make(map[string]Observation),
	}
	idx.Add(workers)
	return idx
}

// Add folds more observations into the index. When the same worker appears
// twice (recheck passes), the online observation wins.
func (idx *Index) Add(workers []Observation) {
	now := time.Now()
	put := func(m map[string]Observation, key string, obs Observation) {
		if key == "" {
			return
		}
		if prev, ok := m[key]; ok && prev.Online(now) && !obs.Online(now) {
			return
		}
		m[key] = obs
	}
	for _, obs := range workers {
		put(idx.byName, names.Clean(obs.Name), obs)
		put(idx.byTail, names.Tail(obs.Name), obs)
		put(idx.byTailKey, names.TailKey(obs.Name), obs)
	}
}

// Match finds the observation for a stored worker name.
func (idx *Index) Match(workerName string) (Observation, bool) {
	if obs, ok := idx.byName[names.Clean(workerName)]; ok {
		return obs, true
	}
	if obs, ok := idx.byTail[names.Tail(workerName)]; ok {
		return obs, true
	}
	if obs, ok := idx.byTailKey[names.TailKey(workerName)]; ok {
		return obs, true
	}
	return Observation{}, false
}
