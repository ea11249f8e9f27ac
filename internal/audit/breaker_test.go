package audit

import (
	"errors"
	"testing"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/config"
)

func TestSentinelGuardOpensAfterErrors(t *testing.T) {
	g, err := NewSentinelGuard(config.BreakerCfg{
		Enabled:        true,
		ErrorThreshold: 3,
		MinRequests:    1,
		StatIntervalMs: 60000,
		RetryTimeoutMs: 60000,
	})
	if err != nil {
		t.Fatalf("NewSentinelGuard: %v", err)
	}

	if err := g.Do(func() error { return nil }); err != nil {
		t.Fatalf("healthy call: %v", err)
	}
	boom := errors.New("redis down")
	for i := 0; i < 3; i++ {
		if err := g.Do(func() error { return boom }); !errors.Is(err, boom) && !errors.Is(err, ErrRejected) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	rejected := false
	for i := 0; i < 5 && !rejected; i++ {
		rejected = errors.Is(g.Do(func() error { return boom }), ErrRejected)
	}
	if !rejected {
		t.Fatal("breaker never opened")
	}
}
