package router

import (
	"fmt"
	"testing"
)

func TestIndexPatternKinds(t *testing.T) {
	idx := NewBuilder[string]().
		Add("/api", nil, "exact").
		Add("/v1/*", nil, "prefix").
		Add("*", nil, "wildcard").
		Build()

	if idx.Len() != 3 {
		t.Fatalf("Len() = %d", idx.Len())
	}
	tests := []struct {
		path string
		want string
	}{
		{path: "/api", want: "[exact wildcard]"},
		{path: "/api/x", want: "[wildcard]"},
		{path: "/v1/test", want: "[prefix wildcard]"},
		{path: "/v1/", want: "[prefix wildcard]"},
		{path: "/v2", want: "[wildcard]"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := fmt.Sprint(idx.Match("GET", tt.path)); got != tt.want {
				t.Fatalf("Match(%q) = %s, want %s", tt.path, got, tt.want)
			}
		})
	}
}

func TestIndexRegistrationOrder(t *testing.T) {
	idx := NewBuilder[int]().
		Add("*", nil, 1).
		Add("/a/*", nil, 2).
		Add("/a/b", nil, 3).
		Add("/a*", nil, 4).
		Build()
	if got := fmt.Sprint(idx.Match("GET", "/a/b")); got != "[1 2 3 4]" {
		t.Fatalf("Match() = %s", got)
	}
}

func TestNilIndex(t *testing.T) {
	var idx *Index[int]
	if idx.Len() != 0 || idx.Match("GET", "/") != nil || idx.Any("GET", "/") {
		t.Fatal("nil index should be empty")
	}
}
