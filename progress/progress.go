package progress

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/jobspool/stats"
)

// Bar manages a progress bar for tracking message ingestion.
type Bar struct {
	pb             *pterm.ProgressbarPrinter
	total          int
	alreadyDone    int
	currentScanned int
	mu             sync.Mutex
	enabled        bool
}

// New creates a new progress bar if logLevel is "info" and the total is known.
func New(total int, alreadyDone int, logLevel string) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:       total,
		alreadyDone: alreadyDone,
		enabled:     enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Ingesting messages").
			Start()

		bar.pb = pb

		pterm.Info.Printf("Messages in source: %d\n", total)
		if alreadyDone > 0 {
			pterm.Info.Printf("Already spooled: %d\n", alreadyDone)
		}
		pterm.Println()
	}

	return bar
}

// Enabled reports whether the bar renders anything.
func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Update advances the bar on every scanned message.
func (b *Bar) Update(evt stats.Event) {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.currentScanned++
		if b.pb.Current < b.total {
			b.pb.Increment()
		}
		if evt.TID != "" {
			display := evt.TID
			if len(display) > 16 {
				display = display[:16]
			}
			b.pb.UpdateTitle("Ingesting " + display)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Ingest complete!")
}

// Subscriber feeds the bar from an event stream.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
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

// ProgressReporter prints a summary table once the event stream closes.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	pr.bar.Stop()
	PrintSummary(pr.collector.Snapshot(), time.Since(pr.started))
	return nil
}

// PrintSummary renders a run summary with pterm.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")

	data := pterm.TableData{
		{"Metric", "Count"},
		{"Duration", duration.Round(time.Millisecond).String()},
		{"Scanned", itoa(summary.Scanned)},
		{"Stored", itoa(summary.Stored)},
		{"Raw only", itoa(summary.RawOnly)},
		{"Rebound", itoa(summary.Rebound)},
		{"Filtered", itoa(summary.Filtered)},
		{"Ignored", itoa(summary.Ignored)},
		{"Duplicates (skipped)", itoa(summary.Duplicates)},
		{"Errors", itoa(summary.Errors)},
	}
	kinds := make([]string, 0, len(summary.Kinds))
	for k := range summary.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		data = append(data, []string{"  kind " + k, itoa(summary.Kinds[k])})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
