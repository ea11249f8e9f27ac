package util

import (
	"fmt"
	"hash/fnv"
)

// FNV64 hashes s with FNV-1a 64 and returns the hex digest.
func FNV64(s string) string {
	return fmt.Sprintf("%x", FNV64Sum(s))
}

// FNV64Sum returns the raw FNV-1a 64 sum of s.
func FNV64Sum(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Shard maps key onto one of n shards. n must be positive.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(FNV64Sum(key) % uint64(n))
}
