package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/identity"
)

func TestDescribeJSONBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/items?q=a&q=b&page=1", strings.NewReader(`{"name":"x","n":3,"tags":["a"]}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "Go-test")
	r.RemoteAddr = "10.1.1.1:5555"

	req, err := NewAdapter(nil, 0).Describe(r)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if req.Method != "POST" || req.Path != "/api/items" || req.OriginalURL != "/api/items?q=a&q=b&page=1" {
		t.Fatalf("unexpected request line: %+v", req)
	}
	if req.ClientIP != "10.1.1.1" {
		t.Fatalf("ClientIP = %q", req.ClientIP)
	}
	if req.Header("user-agent") != "Go-test" {
		t.Fatalf("headers = %v", req.Headers)
	}
	if !reflect.DeepEqual(req.Query["q"], []string{"a", "b"}) {
		t.Fatalf("query = %v", req.Query)
	}
	body, ok := req.Body.(map[string]any)
	if !ok || body["name"] != "x" || body["n"] != json.Number("3") {
		t.Fatalf("body = %#v", req.Body)
	}

	rest, _ := io.ReadAll(r.Body)
	if string(rest) != `{"name":"x","n":3,"tags":["a"]}` {
		t.Fatalf("body not restored: %q", rest)
	}
}

func TestDescribeFormAndRawBodies(t *testing.T) {
	form := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("user=admin&pass=%27+OR+1%3D1"))
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req, err := NewAdapter(nil, 0).Describe(form)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	body := req.Body.(map[string]any)
	if !reflect.DeepEqual(body["pass"], []any{"' OR 1=1"}) {
		t.Fatalf("form body = %#v", body)
	}

	text := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("<script>alert(1)</script>"))
	text.Header.Set("Content-Type", "text/plain")
	req, _ = NewAdapter(nil, 0).Describe(text)
	if req.Body != "<script>alert(1)</script>" {
		t.Fatalf("raw body = %#v", req.Body)
	}

	broken := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"a":`))
	broken.Header.Set("Content-Type", "application/json")
	req, _ = NewAdapter(nil, 0).Describe(broken)
	if req.Body != `{"a":` {
		t.Fatalf("invalid json body = %#v", req.Body)
	}
}

func TestDescribeBodyTooLarge(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 11)))
	if _, err := NewAdapter(nil, 10).Describe(r); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("err = %v, want ErrBodyTooLarge", err)
	}
	ok := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 10)))
	if _, err := NewAdapter(nil, 10).Describe(ok); err != nil {
		t.Fatalf("body at limit rejected: %v", err)
	}
}

func TestDescribeRestoresBodyOnFailure(t *testing.T) {
	boom := errors.New("connection reset")
	cases := []struct {
		name     string
		body     io.Reader
		wantErr  error
		wantRest string
		restErr  error
	}{
		{"oversized", strings.NewReader(strings.Repeat("a", 25)), ErrBodyTooLarge, strings.Repeat("a", 25), nil},
		{"read error", io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(boom)), boom, "abc", boom},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/x", tc.body)
			if _, err := NewAdapter(nil, 10).Describe(r); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			rest, err := io.ReadAll(r.Body)
			if string(rest) != tc.wantRest {
				t.Fatalf("downstream body = %q, want %q", rest, tc.wantRest)
			}
			if !errors.Is(err, tc.restErr) {
				t.Fatalf("downstream err = %v, want %v", err, tc.restErr)
			}
		})
	}
}

func TestHeadersLowercasesAndAddsHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/x", nil)
	r.Header.Add("X-Trace", "a")
	r.Header.Add("X-Trace", "b")
	h := Headers(r)
	if h["x-trace"] != "a, b" || h["host"] != "api.example.com" {
		t.Fatalf("headers = %v", h)
	}
}

func TestDescribeRouteParamsAndForwarded(t *testing.T) {
	var got map[string]string
	var ip string
	router := mux.NewRouter()
	adapter := NewAdapter(identity.NewResolver(true), 0)
	router.HandleFunc("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		req, err := adapter.Describe(r)
		if err != nil {
			t.Errorf("Describe: %v", err)
			return
		}
		got, ip = req.Params, req.ClientIP
	})
	r := httptest.NewRequest(http.MethodGet, "/users/42", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	router.ServeHTTP(httptest.NewRecorder(), r)

	if got["id"] != "42" || ip != "203.0.113.9" {
		t.Fatalf("params = %v ip = %q", got, ip)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusForbidden, ErrorBody{Error: "blocked", Code: "WAF_BLOCKED", RequestID: "r1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"error":"blocked","code":"WAF_BLOCKED","requestId":"r1"}` {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestDescribeOnceUsesContext(t *testing.T) {
	a := NewAdapter(nil, 0)
	r := httptest.NewRequest(http.MethodGet, "/a", nil)
	first, err := a.DescribeOnce(r)
	if err != nil {
		t.Fatalf("DescribeOnce: %v", err)
	}
	r = r.WithContext(WithRequest(r.Context(), first))
	second, _ := a.DescribeOnce(r)
	if first != second {
		t.Fatal("descriptor stored on the context was not reused")
	}
	if _, ok := FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); ok {
		t.Fatal("empty context should hold no descriptor")
	}
}
