package util

import (
	"strconv"
	"testing"
)

func TestFNV64(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
	}{
		{name: "basic string", input: "hello", wantLen: 16},
		{name: "empty string", input: "", wantLen: 16},
		{name: "rate key", input: "10.0.0.1:GET:/api/products", wantLen: 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := FNV64(tt.input)
			if len(hash) != tt.wantLen {
				t.Errorf("FNV64() hash length = %d, want %d", len(hash), tt.wantLen)
			}
		})
	}
}

func TestFNV64Consistency(t *testing.T) {
	if FNV64("test-consistency") != FNV64("test-consistency") {
		t.Error("FNV64() not consistent")
	}
	if FNV64("input1") == FNV64("input2") {
		t.Error("FNV64() produced same hash for different inputs")
	}
}

func TestShardRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		key := "10.0.0." + strconv.Itoa(i) + ":GET:/x"
		s := Shard(key, 64)
		if s < 0 || s >= 64 {
			t.Fatalf("Shard(%q) = %d out of range", key, s)
		}
		if s != Shard(key, 64) {
			t.Fatalf("Shard(%q) not stable", key)
		}
	}
	if Shard("anything", 1) != 0 || Shard("anything", 0) != 0 {
		t.Fatal("single shard must map to 0")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 50, "short"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "hé"},
		{"anything", 0, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func BenchmarkShard(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = Shard("192.168.1.1:GET:/api/login", 64)
		}
	})
}
