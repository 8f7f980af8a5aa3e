package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageFetch Stage = "fetch"
	StageSave  Stage = "save"
)

type EventType string

const (
	EventTypeSelected    EventType = "selected"
	EventTypeScanned     EventType = "scanned"
	EventTypeSkipped     EventType = "skipped"
	EventTypeFiltered    EventType = "filtered"
	EventTypeDropped     EventType = "dropped"
	EventTypeEnqueued    EventType = "enqueued"
	EventTypeSaved       EventType = "saved"
	EventTypeWriteFailed EventType = "write_failed"
	// EventTypeArchiveFailed follows EventTypeSaved when the message files
	// were written but the archive append was not.
	EventTypeArchiveFailed EventType = "archive_failed"
)

// Failure categories carried in Event.Detail and in log lines.
const (
	CategoryFetchFailure   = "fetch_failure"
	CategoryWriteFailure   = "write_failure"
	CategoryArchiveFailure = "archive_failure"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Number uint32
	// Total is set on EventTypeSelected: messages the run will visit.
	Total uint32
	Err   error
	// Detail is the failure category on dropped, write_failed and
	// archive_failed events.
	Detail string
}

// Sink receives pipeline events.
type Sink interface {
	EmitEvent(evt Event)
}

type Summary struct {
	Total         uint32
	Scanned       int
	Skipped       int
	Filtered      int
	Dropped       int
	Enqueued      int
	Saved         int
	WriteFailed   int
	ArchiveFailed int
	LastError     error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"total", s.Total,
		"scanned", s.Scanned,
		"skipped", s.Skipped,
		"filtered", s.Filtered,
		"dropped", s.Dropped,
		"enqueued", s.Enqueued,
		"saved", s.Saved,
		"writeFailed", s.WriteFailed,
		"archiveFailed", s.ArchiveFailed,
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
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeSelected:
		c.summary.Total = evt.Total
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeDropped:
		c.summary.Dropped++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeSaved:
		c.summary.Saved++
	case EventTypeWriteFailed:
		c.summary.WriteFailed++
	case EventTypeArchiveFailed:
		c.summary.ArchiveFailed++
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
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
