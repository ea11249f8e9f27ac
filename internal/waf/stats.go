package waf

import (
	"math"
	"sync/atomic"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/types"
)

type counters struct {
	total          atomic.Uint64
	blocked        atomic.Uint64
	internalErrors atomic.Uint64
	byCategory     [8]atomic.Uint64
}

func categoryIndex(c types.Category) int {
	for i, known := range types.Categories {
		if known == c {
			return i
		}
	}
	return len(types.Categories)
}

func (c *counters) block(cat types.Category) {
	c.blocked.Add(1)
	if i := categoryIndex(cat); i < len(c.byCategory) {
		c.byCategory[i].Add(1)
	}
}

// Stats is a snapshot of the firewall counters.
type Stats struct {
	TotalRequests   uint64            `json:"totalRequests"`
	BlockedRequests uint64            `json:"blockedRequests"`
	BlockedBy       map[string]uint64 `json:"blockedBy"`
	BlockRate       float64           `json:"blockRate"` // percent, two decimals
	WhitelistSize   int               `json:"whitelistSize"`
	CustomRuleCount int               `json:"customRuleCount"`
	RateBuckets     int               `json:"rateBuckets"`
	InternalErrors  uint64            `json:"internalErrors"`
}

// Stats returns current counters.
func (f *Firewall) Stats() Stats {
	st := Stats{
		TotalRequests:   f.stats.total.Load(),
		BlockedRequests: f.stats.blocked.Load(),
		BlockedBy:       make(map[string]uint64, len(types.Categories)),
		WhitelistSize:   f.whitelist.Load().Len(),
		CustomRuleCount: f.routes.Len(),
		RateBuckets:     f.limiter.Len(),
		InternalErrors:  f.stats.internalErrors.Load(),
	}
	for i, cat := range types.Categories {
		st.BlockedBy[string(cat)] = f.stats.byCategory[i].Load()
	}
	st.BlockRate = blockRate(st.BlockedRequests, st.TotalRequests)
	f.metrics.SetRateBuckets(st.RateBuckets)
	return st
}

func blockRate(blocked, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(blocked)/float64(total)*10000) / 100
}
