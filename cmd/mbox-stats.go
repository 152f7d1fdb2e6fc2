package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/jobspool/classify"
	"github.com/dhcgn/jobspool/extract"
	"github.com/dhcgn/jobspool/filter"
	"github.com/dhcgn/jobspool/mbox"
	"github.com/dhcgn/jobspool/stats"
)

// kindColumn is the pseudo header the classification counts are kept under.
const kindColumn = "Kind"

var headersToTrack = []string{"Delivered-To", "Subject", "From", "To"}

type mboxStatsFlags struct {
	reportDir     string
	topN          int
	includeHeader []string
	includeBody   []string
	excludeHeader []string
	excludeBody   []string
}

func (f mboxStatsFlags) filterOptions() filter.Options {
	return filter.Options{
		IncludeHeader: f.includeHeader,
		IncludeBody:   f.includeBody,
		ExcludeHeader: f.excludeHeader,
		ExcludeBody:   f.excludeBody,
	}
}

func newMboxStatsCmd(setup Setup) *cobra.Command {
	var flags mboxStatsFlags

	cmd := &cobra.Command{
		Use:   "mbox-stats [mbox file]",
		Short: "Analyse the mbox file and show header and classification statistics",
		Args:  cobra.ExactArgs(1),
		RunE: runWith(setup, func(cmd *cobra.Command, args []string, app *App) error {
			mboxPath := args[0]
			fmt.Println("Analyzing mbox file:", mboxPath)

			includeActive := len(flags.includeHeader) > 0 || len(flags.includeBody) > 0
			excludeActive := len(flags.excludeHeader) > 0 || len(flags.excludeBody) > 0
			if includeActive && excludeActive {
				return fmt.Errorf("include and exclude flags are mutually exclusive")
			}

			// flags win over the configured prefilter
			opts := flags.filterOptions()
			if opts.Empty() {
				opts = app.Config.FilterOptions()
			}
			f, err := filter.New(opts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}
			classifier, err := app.Config.Classifier()
			if err != nil {
				return fmt.Errorf("compile rules: %w", err)
			}

			a := newAnalyzer(f, classifier, extract.New(app.Logger))
			err = mbox.Read(mboxPath, func(m *mbox.MboxMessage) error {
				a.add(m)
				if a.matched > 0 && a.matched%250 == 0 {
					a.print(os.Stdout, flags.topN, true)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			a.print(os.Stdout, flags.topN, true)

			if err := saveCSVReports(a.counter, a.columns(), flags.reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Printf("\nReports saved to directory: %s\n", flags.reportDir)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flags.reportDir, "output", "o", ".", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&flags.topN, "top", "t", 10, "Number of top items to display in statistics")
	cmd.Flags().StringArrayVar(&flags.includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&flags.includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	cmd.Flags().StringArrayVar(&flags.excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	cmd.Flags().StringArrayVar(&flags.excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return cmd
}

// analyzer counts header values and classification outcomes without
// touching the spool.
type analyzer struct {
	filter     *filter.Filter
	classifier *classify.Engine
	extractor  *extract.Extractor

	counter map[string]map[string]int
	matched int
	skipped int
}

func newAnalyzer(f *filter.Filter, classifier *classify.Engine, extractor *extract.Extractor) *analyzer {
	counter := make(map[string]map[string]int)
	for _, h := range headersToTrack {
		counter[h] = make(map[string]int)
	}
	counter[kindColumn] = make(map[string]int)
	return &analyzer{filter: f, classifier: classifier, extractor: extractor, counter: counter}
}

func (a *analyzer) columns() []string {
	return append(append([]string(nil), headersToTrack...), kindColumn)
}

func (a *analyzer) add(m *mbox.MboxMessage) {
	header, body := filter.SplitRawMessage(m.Raw)
	if !a.filter.Allows(header, body) {
		a.skipped++
		return
	}

	a.matched++
	for _, name := range headersToTrack {
		if value := m.Header.Get(name); value != "" {
			a.counter[name][value]++
		}
	}

	// extraction failures still classify on the subject alone
	fields, _ := a.extractor.Extract(m.Header, m.Raw)
	res := a.classifier.Classify(m.Header, "", fields)
	a.counter[kindColumn][string(res.Kind)]++
}

func (a *analyzer) print(w io.Writer, topN int, clear bool) {
	if clear {
		// ANSI escape code to clear screen and move cursor to top-left
		fmt.Fprint(w, "\033[H\033[2J")
	}
	total := a.matched + a.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(a.skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%)...\n\n", a.matched, a.skipped, filterPercent)

	fs := a.filter.GetStats()
	sections := []struct {
		title    string
		patterns []string
		hits     map[string]int
	}{
		{"Include Header Filters", fs.IncludeHeaderPatterns, fs.IncludeHeaderHits},
		{"Include Body Filters", fs.IncludeBodyPatterns, fs.IncludeBodyHits},
		{"Exclude Header Filters", fs.ExcludeHeaderPatterns, fs.ExcludeHeaderHits},
		{"Exclude Body Filters", fs.ExcludeBodyPatterns, fs.ExcludeBodyHits},
	}
	hasFilterStats := false
	for _, s := range sections {
		if len(s.patterns) == 0 {
			continue
		}
		hasFilterStats = true
		fmt.Fprintf(w, "%s:\n", s.title)
		printFilterHits(w, s.patterns, s.hits)
		fmt.Fprintln(w)
	}
	if hasFilterStats {
		fmt.Fprint(w, "---\n\n")
	}

	for _, column := range a.columns() {
		fmt.Fprintf(w, "Top %d %s:\n", topN, column)
		stats.PrettyPrintTop(w, a.counter[column], topN)
		fmt.Fprintln(w)
	}
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))
		file, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}
		for _, p := range stats.Top(counter[header], limit) {
			if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		if err := writer.Error(); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(w io.Writer, patterns []string, hits map[string]int) {
	type pair struct {
		Pattern string
		Count   int
	}
	pairs := make([]pair, 0, len(patterns))
	for _, pattern := range patterns {
		pairs = append(pairs, pair{pattern, hits[pattern]})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Pattern < pairs[j].Pattern
	})

	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Fprintf(w, "  ✓ %s: %d hits\n", p.Pattern, p.Count)
		} else {
			fmt.Fprintf(w, "  ✗ %s: 0 hits\n", p.Pattern)
		}
	}
}
