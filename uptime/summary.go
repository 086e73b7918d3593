package uptime

import "time"

// TickSummary is the per-pool outcome of one reconciliation tick. It is
// logged at info level and published to the live feed.
type TickSummary struct {
	Pool          string        `json:"pool"`
	Slot          string        `json:"slot"`
	Skipped       bool          `json:"skipped"`
	SkipReason    string        `json:"skip_reason,omitempty"`
	Groups        int           `json:"groups"`
	Miners        int           `json:"miners"`
	Credited      int           `json:"credited"`
	StatusOnline  int           `json:"status_online"`
	StatusOffline int           `json:"status_offline"`
	GroupFailures int           `json:"group_failures"`
	Elapsed       time.Duration `json:"elapsed_ms"`
}

// Publisher receives tick summaries as they complete. The websocket feed
// implements it; a nil publisher disables publication.
type Publisher interface {
	PublishTick(TickSummary)
}
