// Package filter decides which messages reach the spool: regex prefilters on
// the raw header and body text, and recipient routing.
package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Options captures the prefilter configuration. Include and exclude
// patterns are mutually exclusive.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

func (o Options) Empty() bool {
	return len(o.IncludeHeader) == 0 && len(o.IncludeBody) == 0 && len(o.ExcludeHeader) == 0 && len(o.ExcludeBody) == 0
}

type patternSet struct {
	patterns []*regexp.Regexp
	hits     []int
}

func (p *patternSet) match(text string, mu *sync.Mutex) bool {
	if text == "" {
		return false
	}
	matched := false
	for i, re := range p.patterns {
		if re.MatchString(text) {
			mu.Lock()
			p.hits[i]++
			mu.Unlock()
			matched = true
		}
	}
	return matched
}

// Filter holds compiled patterns and counts how often each one matched.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader patternSet
	includeBody   patternSet
	excludeHeader patternSet
	excludeBody   patternSet

	mu      sync.Mutex
	allowed int
	blocked int
}

// New creates a Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader.patterns) > 0 || len(includeBody.patterns) > 0
	excludeActive := len(excludeHeader.patterns) > 0 || len(excludeBody.patterns) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
	}, nil
}

// Allows returns true if the message passes the filter criteria. Every
// pattern is evaluated so the hit counts stay meaningful.
func (f *Filter) Allows(header, body []byte) bool {
	allowed := f.allows(string(header), string(body))
	f.mu.Lock()
	if allowed {
		f.allowed++
	} else {
		f.blocked++
	}
	f.mu.Unlock()
	return allowed
}

// AllowsMessage splits raw and applies Allows.
func (f *Filter) AllowsMessage(raw []byte) bool {
	header, body := SplitRawMessage(raw)
	return f.Allows(header, body)
}

func (f *Filter) allows(headerText, bodyText string) bool {
	if f.includeMode {
		h := f.includeHeader.match(headerText, &f.mu)
		b := f.includeBody.match(bodyText, &f.mu)
		return h || b
	}

	if f.excludeMode {
		h := f.excludeHeader.match(headerText, &f.mu)
		b := f.excludeBody.match(bodyText, &f.mu)
		return !h && !b
	}

	return true
}

// Stats reports pattern hit counts keyed by pattern source.
type Stats struct {
	Allowed int
	Blocked int

	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string

	IncludeHeaderHits map[string]int
	IncludeBodyHits   map[string]int
	ExcludeHeaderHits map[string]int
	ExcludeBodyHits   map[string]int
}

func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := func(p patternSet) ([]string, map[string]int) {
		names := make([]string, len(p.patterns))
		hits := make(map[string]int, len(p.patterns))
		for i, re := range p.patterns {
			names[i] = re.String()
			hits[re.String()] += p.hits[i]
		}
		return names, hits
	}

	s := Stats{Allowed: f.allowed, Blocked: f.blocked}
	s.IncludeHeaderPatterns, s.IncludeHeaderHits = snapshot(f.includeHeader)
	s.IncludeBodyPatterns, s.IncludeBodyHits = snapshot(f.includeBody)
	s.ExcludeHeaderPatterns, s.ExcludeHeaderHits = snapshot(f.excludeHeader)
	s.ExcludeBodyPatterns, s.ExcludeBodyHits = snapshot(f.excludeBody)
	return s
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) (patternSet, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return patternSet{}, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return patternSet{patterns: compiled, hits: make([]int, len(compiled))}, nil
}
