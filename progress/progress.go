package progress

import (
	"context"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-to-files/stats"
)

// Bar shows a progress bar over the messages of one export run. The bar
// starts once the folder is selected and the number of messages is known.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	skipped int
	// failures counts failed messages per category.
	failures map[string]int
	mu       sync.Mutex
	enabled  bool
}

// New creates a bar that renders only when logLevel is "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info", failures: make(map[string]int)}
}

// Update advances the bar for evt.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeSelected:
		b.start(int(evt.Total))
	case stats.EventTypeSkipped:
		b.skipped++
	case stats.EventTypeScanned:
		if b.pb != nil {
			b.pb.UpdateTitle(fmtTitle(evt.Number))
			b.pb.Increment()
		}
	case stats.EventTypeDropped, stats.EventTypeWriteFailed:
		b.failures[evt.Detail]++
		if evt.Err != nil {
			pterm.Error.Printf("Message %d (%s): %v\n", evt.Number, evt.Detail, evt.Err)
		}
	case stats.EventTypeArchiveFailed:
		b.failures[evt.Detail]++
		if evt.Err != nil {
			pterm.Warning.Printf("Message %d saved, not archived: %v\n", evt.Number, evt.Err)
		}
	}
}

func (b *Bar) start(total int) {
	b.total = total
	pterm.Info.Printf("Messages to export: %d\n", total)
	if total == 0 {
		return
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Exporting messages").
		Start()
	if err != nil {
		return
	}
	b.pb = pb
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		if b.pb.Current < b.total {
			b.pb.Current = b.total
		}
		_, _ = b.pb.Stop()
		b.pb = nil
	}
	if b.skipped > 0 {
		pterm.Info.Printf("Skipped by --start: %d\n", b.skipped)
	}
	for _, category := range []string{stats.CategoryFetchFailure, stats.CategoryWriteFailure, stats.CategoryArchiveFailure} {
		if n := b.failures[category]; n > 0 {
			pterm.Warning.Printf("%s: %d\n", category, n)
		}
	}
	pterm.Success.Println("Export complete!")
}

// Subscriber feeds events into the bar until the stream closes.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

func fmtTitle(number uint32) string {
	return "Message " + pterm.Sprint(number)
}

// ProgressReporter pairs the bar with a summary printed once the run ends.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	started   time.Time
}

// NewProgressReporter subscribes bar and a summary printer to stream. Nothing
// is subscribed when the bar is disabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Filtered out: %d\n", summary.Filtered)
	pterm.Info.Printf("Saved: %d\n", summary.Saved)
	pterm.Info.Printf("Dropped: %d\n", summary.Dropped+summary.WriteFailed)
	if summary.ArchiveFailed > 0 {
		pterm.Info.Printf("Not archived: %d\n", summary.ArchiveFailed)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}
