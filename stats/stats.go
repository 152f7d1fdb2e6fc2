package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageFetch  Stage = "fetch"
	StageIngest Stage = "ingest"
	StageSweep  Stage = "sweep"
	StageReap   Stage = "reap"
	StageScore  Stage = "score"
)

type EventType string

const (
	EventTypeScanned   EventType = "scanned"
	EventTypeEnqueued  EventType = "enqueued"
	EventTypeStored    EventType = "stored"
	EventTypeRawOnly   EventType = "raw_only"
	EventTypeRebound   EventType = "rebound"
	EventTypeFiltered  EventType = "filtered"
	EventTypeIgnored   EventType = "ignored"
	EventTypeDuplicate EventType = "duplicate"
	EventTypeSwept     EventType = "swept"
	EventTypeReaped    EventType = "reaped"
	EventTypeScored    EventType = "scored"
	EventTypeDeferred  EventType = "deferred"
	EventTypeError     EventType = "error"
)

// Event is emitted by pipeline stages. TID is hex encoded.
type Event struct {
	Stage  Stage
	Type   EventType
	TID    string
	Key    string
	Kind   string
	Err    error
	Detail string
}

type Summary struct {
	Scanned    int
	Enqueued   int
	Stored     int
	RawOnly    int
	Rebound    int
	Filtered   int
	Ignored    int
	Duplicates int
	Swept      int
	Reaped     int
	Scored     int
	Deferred   int
	Errors     int
	Kinds      map[string]int
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"enqueued", s.Enqueued,
		"stored", s.Stored,
		"rawOnly", s.RawOnly,
		"rebound", s.Rebound,
		"filtered", s.Filtered,
		"ignored", s.Ignored,
		"duplicates", s.Duplicates,
		"swept", s.Swept,
		"reaped", s.Reaped,
		"scored", s.Scored,
		"deferred", s.Deferred,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	if c.summary.Kinds != nil {
		summary.Kinds = make(map[string]int, len(c.summary.Kinds))
		for k, v := range c.summary.Kinds {
			summary.Kinds[k] = v
		}
	}
	c.mu.Unlock()
	return summary
}

// Apply folds one event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeStored:
		c.summary.Stored++
		if evt.Kind != "" {
			if c.summary.Kinds == nil {
				c.summary.Kinds = make(map[string]int)
			}
			c.summary.Kinds[evt.Kind]++
		}
	case EventTypeRawOnly:
		c.summary.RawOnly++
	case EventTypeRebound:
		c.summary.Rebound++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeIgnored:
		c.summary.Ignored++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeSwept:
		c.summary.Swept++
	case EventTypeReaped:
		c.summary.Reaped++
	case EventTypeScored:
		c.summary.Scored++
	case EventTypeDeferred:
		c.summary.Deferred++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop writes the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns at most limit entries ordered by count, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
