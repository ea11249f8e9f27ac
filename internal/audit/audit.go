// Package audit ships block and usage events to Redis off the request path.
// Emission never blocks: a full queue drops the event.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/metrics"
)

const (
	KindBlock = "block"
	KindUsage = "usage"
)

// Event is one audit record.
type Event struct {
	Kind      string
	Time      time.Time
	RequestID string
	Category  string
	Reason    string
	IP        string
	Method    string
	Path      string
	Tenant    string
	Plan      string
	Used      int64
	Limit     int64
}

func (e Event) fields() map[string]any {
	f := map[string]any{
		"kind": e.Kind,
		"ts":   e.Time.UTC().Format(time.RFC3339Nano),
	}
	put := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	put("requestId", e.RequestID)
	put("category", e.Category)
	put("reason", e.Reason)
	put("ip", e.IP)
	put("method", e.Method)
	put("path", e.Path)
	put("tenant", e.Tenant)
	put("plan", e.Plan)
	if e.Limit > 0 {
		f["used"] = strconv.FormatInt(e.Used, 10)
		f["limit"] = strconv.FormatInt(e.Limit, 10)
	}
	return f
}

// Sink accepts events.
type Sink interface {
	Emit(Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(Event) {}

// Writer is the storage side, satisfied by *repo.RedisRepo.
type Writer interface {
	AppendStream(ctx context.Context, name string, maxLen int64, fields map[string]any) (string, error)
}

// Guard wraps each write, e.g. in a circuit breaker. It returns ErrRejected
// when the write was not attempted.
type Guard interface {
	Do(fn func() error) error
}

var ErrRejected = errors.New("audit write rejected by breaker")

// Options for NewStream.
type Options struct {
	Stream       string
	MaxLen       int64
	Buffer       int
	WriteTimeout time.Duration
	Guard        Guard
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Stats counts event outcomes.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
}

// Stream is a Sink writing to a Redis stream from a single worker goroutine.
type Stream struct {
	w    Writer
	opts Options
	log  *slog.Logger
	ch   chan Event

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	sent, dropped, failed, rejected atomic.Uint64
}

// NewStream starts the worker. Call Close to flush and stop it.
func NewStream(w Writer, opts Options) *Stream {
	if opts.Stream == "" {
		opts.Stream = "audit"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 200 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Stream{
		w:       w,
		opts:    opts,
		log:     log,
		ch:      make(chan Event, opts.Buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues e. It never blocks; after Close events are dropped.
func (s *Stream) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case <-s.closing:
		s.drop()
		return
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.drop()
	}
}

func (s *Stream) drop() {
	s.dropped.Add(1)
	s.opts.Metrics.AuditEvent("dropped")
}

func (s *Stream) run() {
	defer close(s.done)
	for {
		select {
		case e := <-s.ch:
			s.write(e)
		case <-s.closing:
			for {
				select {
				case e := <-s.ch:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Stream) write(e Event) {
	do := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		defer cancel()
		_, err := s.w.AppendStream(ctx, s.opts.Stream, s.opts.MaxLen, e.fields())
		return err
	}
	var err error
	if s.opts.Guard != nil {
		err = s.opts.Guard.Do(do)
	} else {
		err = do()
	}
	switch {
	case err == nil:
		s.sent.Add(1)
		s.opts.Metrics.AuditEvent("sent")
	case errors.Is(err, ErrRejected):
		s.rejected.Add(1)
		s.opts.Metrics.AuditEvent("rejected")
	default:
		s.failed.Add(1)
		s.opts.Metrics.AuditEvent("failed")
		s.log.Debug("audit write failed", "kind", e.Kind, "err", err)
	}
}

// Close stops accepting events, drains the queue and waits for the worker.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
}

// Stats returns the counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Sent:     s.sent.Load(),
		Dropped:  s.dropped.Load(),
		Failed:   s.failed.Load(),
		Rejected: s.rejected.Load(),
	}
}
