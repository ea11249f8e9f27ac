package audit

import (
	"fmt"
)

import (
	sentinel "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/circuitbreaker"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/config"
)

// BreakerResource is the sentinel resource name guarding audit writes.
const BreakerResource = "pixiu-gate:audit-write"

// SentinelGuard trips an error-count circuit breaker when Redis keeps failing
// so the worker stops paying the write timeout on every event.
type SentinelGuard struct {
	resource string
}

// NewSentinelGuard initialises sentinel and loads the breaker rule.
func NewSentinelGuard(cfg config.BreakerCfg) (*SentinelGuard, error) {
	if err := sentinel.InitDefault(); err != nil {
		return nil, fmt.Errorf("sentinel init: %w", err)
	}
	_, err := circuitbreaker.LoadRules([]*circuitbreaker.Rule{
		{
			Resource:         BreakerResource,
			Strategy:         circuitbreaker.ErrorCount,
			RetryTimeoutMs:   cfg.RetryTimeoutMs,
			MinRequestAmount: cfg.MinRequests,
			StatIntervalMs:   cfg.StatIntervalMs,
			Threshold:        float64(cfg.ErrorThreshold),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load breaker rule: %w", err)
	}
	return &SentinelGuard{resource: BreakerResource}, nil
}

// Do runs fn unless the breaker is open.
func (g *SentinelGuard) Do(fn func() error) error {
	entry, blockErr := sentinel.Entry(g.resource)
	if blockErr != nil {
		return ErrRejected
	}
	defer entry.Exit()
	err := fn()
	if err != nil {
		sentinel.TraceError(entry, err)
	}
	return err
}
