package apikey

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

var keyFormat = regexp.MustCompile(`^tc_[0-9a-f]{48}$`)

func TestRegisterKeyFormat(t *testing.T) {
	r := NewRegistry()
	k1, err := r.Register("tenant-a", Options{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	k2, _ := r.Register("tenant-a", Options{})
	if !keyFormat.MatchString(k1) {
		t.Fatalf("key %q has wrong format", k1)
	}
	if k1 == k2 {
		t.Fatal("keys must be unique")
	}
	if strings.Contains(k1, "tenant-a") {
		t.Fatal("key leaks tenant id")
	}
}

func TestRegisterErrors(t *testing.T) {
	r := NewRegistry(WithPlanCheck(func(p string) bool { return p == "free" || p == "pro" }))
	if _, err := r.Register("  ", Options{}); !errors.Is(err, ErrEmptyTenant) {
		t.Fatalf("empty tenant err = %v", err)
	}
	if _, err := r.Register("t", Options{Plan: "gold"}); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("unknown plan err = %v", err)
	}
	if _, err := r.Register("t", Options{Plan: "pro"}); err != nil {
		t.Fatalf("known plan err = %v", err)
	}
	short := NewRegistry(WithRandom(bytes.NewReader([]byte{1, 2, 3})))
	if _, err := short.Register("t", Options{}); err == nil {
		t.Fatal("expected entropy error")
	}
}

func TestValidateDefaults(t *testing.T) {
	r := NewRegistry()
	key, _ := r.Register("tenant-a", Options{})
	v := r.Validate(key, "10.0.0.1", t0)
	if !v.Valid || v.TenantID != "tenant-a" || v.Plan != DefaultPlan {
		t.Fatalf("Validate() = %+v", v)
	}
	if len(v.Scopes) != 1 || v.Scopes[0] != DefaultScope {
		t.Fatalf("scopes = %v", v.Scopes)
	}
	count, last, ok := r.Usage(key)
	if !ok || count != 1 || !last.Equal(t0) {
		t.Fatalf("Usage() = %d, %v, %v", count, last, ok)
	}
}

func TestValidateOrder(t *testing.T) {
	r := NewRegistry()
	key, _ := r.Register("t", Options{
		IPWhitelist: []string{"10.0.0.1", "10.0.0.2"},
		IPBlacklist: []string{"10.0.0.2"},
	})
	tests := []struct {
		name string
		key  string
		ip   string
		want string
	}{
		{name: "unknown key", key: "tc_nope", ip: "10.0.0.1", want: MsgInvalidKey},
		{name: "not whitelisted", key: key, ip: "192.168.1.1", want: MsgNotWhitelisted},
		{name: "whitelisted but blacklisted", key: key, ip: "10.0.0.2", want: MsgBlacklisted},
		{name: "ok", key: key, ip: "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := r.Validate(tt.key, tt.ip, t0)
			if v.Error != tt.want || v.Valid != (tt.want == "") {
				t.Fatalf("Validate() = %+v, want error %q", v, tt.want)
			}
		})
	}
	count, _, _ := r.Usage(key)
	if count != 1 {
		t.Fatalf("failed validations must not count, got %d", count)
	}
}

func TestAddIPLists(t *testing.T) {
	r := NewRegistry()
	key, _ := r.Register("t", Options{})
	if !r.AddIPBlacklist(key, "6.6.6.6") {
		t.Fatal("AddIPBlacklist on known key returned false")
	}
	if v := r.Validate(key, "6.6.6.6", t0); v.Error != MsgBlacklisted {
		t.Fatalf("got %+v", v)
	}
	r.AddIPWhitelist(key, "1.1.1.1")
	if v := r.Validate(key, "2.2.2.2", t0); v.Error != MsgNotWhitelisted {
		t.Fatalf("got %+v", v)
	}
	if r.AddIPWhitelist("tc_missing", "1.1.1.1") {
		t.Fatal("unknown key should return false")
	}
}

func TestCheckScope(t *testing.T) {
	r := NewRegistry()
	reader, _ := r.Register("t", Options{Scopes: []string{"read"}})
	admin, _ := r.Register("t", Options{Scopes: []string{"admin"}})
	if !r.CheckScope(reader, "read") || r.CheckScope(reader, "write") {
		t.Fatal("reader scopes wrong")
	}
	if !r.CheckScope(admin, "write") || !r.CheckScope(admin, "billing") {
		t.Fatal("admin must satisfy every scope")
	}
	if r.CheckScope("tc_missing", "read") {
		t.Fatal("unknown key has no scopes")
	}
}

func TestRevoke(t *testing.T) {
	r := NewRegistry()
	key, _ := r.Register("t", Options{})
	if !r.Revoke(key) {
		t.Fatal("Revoke() = false")
	}
	if r.Revoke(key) {
		t.Fatal("second Revoke() = true")
	}
	if v := r.Validate(key, "1.1.1.1", t0); v.Valid {
		t.Fatal("revoked key validated")
	}
}

func TestStats(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Register("a", Options{})
	b, _ := r.Register("b", Options{})
	r.Register("c", Options{})
	r.Validate(a, "1.1.1.1", t0)
	r.Validate(b, "1.1.1.1", t0.Add(-25*time.Hour))
	st := r.Stats(t0.Add(time.Hour))
	if st.TotalKeys != 3 || st.ActiveKeys != 1 {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestConcurrentValidateCounts(t *testing.T) {
	r := NewRegistry()
	key, _ := r.Register("t", Options{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				r.Validate(key, "1.1.1.1", t0)
			}
		}()
	}
	wg.Wait()
	if count, _, _ := r.Usage(key); count != 2000 {
		t.Fatalf("requestCount = %d, want 2000", count)
	}
}

func BenchmarkValidate(b *testing.B) {
	r := NewRegistry()
	key, _ := r.Register("t", Options{})
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			r.Validate(key, "1.1.1.1", t0)
		}
	})
}
