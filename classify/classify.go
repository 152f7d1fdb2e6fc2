// Package classify assigns every message exactly one record kind. It is pure:
// no I/O, no clock, and the result depends only on the input values.
package classify

import (
	"encoding/json"
	"fmt"
	"html"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/jobspool/model"
)

// Rule matches when any subject pattern matches the subject or any body
// pattern matches the body text. Patterns are regular expressions matched
// case-insensitively against normalized text.
type Rule struct {
	Name    string     `mapstructure:"name"`
	Kind    model.Kind `mapstructure:"kind"`
	Channel string     `mapstructure:"channel"`
	Subject []string   `mapstructure:"subject"`
	Body    []string   `mapstructure:"body"`
}

// DefaultRules returns the built-in rule set in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "application-confirmation",
			Kind:    model.KindApplication,
			Subject: []string{`application confirmation`},
			Body:    []string{`applied for the job listed below`, `your application (has been|was) (sent|submitted)`},
		},
		{
			Name:    "job-suggestion",
			Kind:    model.KindScored,
			Channel: "suggestion",
			Subject: []string{`job suggestion`},
		},
		{
			Name:    "job-alert",
			Kind:    model.KindScored,
			Channel: "alert",
			Subject: []string{`job alert`},
		},
	}
}

// Result is the outcome of a classification.
type Result struct {
	Kind    model.Kind
	Payload model.Payload
	// Rule names the matching rule, empty for unclassified input.
	Rule string
}

type compiledRule struct {
	Rule
	subject []*regexp.Regexp
	body    []*regexp.Regexp
}

type Engine struct {
	rules []compiledRule
}

// New compiles rules. Order is priority: the first matching rule wins.
func New(rules []Rule) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Kind == "" {
			return nil, fmt.Errorf("rule %d (%s): kind is empty", i, r.Name)
		}
		subject, err := compilePatterns(r.Subject)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s) subject: %w", i, r.Name, err)
		}
		body, err := compilePatterns(r.Body)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s) body: %w", i, r.Name, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, subject: subject, body: body})
	}
	return &Engine{rules: compiled}, nil
}

// Default is the engine built from DefaultRules.
var Default = mustNew(DefaultRules())

func mustNew(rules []Rule) *Engine {
	e, err := New(rules)
	if err != nil {
		panic(err)
	}
	return e
}

// Classify never fails. When no rule matches the result is Unclassified.
// The header is accepted for rules that need more than the subject; the
// subject argument takes precedence over the Subject header.
func (e *Engine) Classify(h mail.Header, subject string, fields map[string]string) Result {
	if subject == "" {
		if s, err := h.Subject(); err == nil {
			subject = s
		}
	}
	subjectText := Normalize(subject)

	var bodyText string
	bodyDone := false

	for _, r := range e.rules {
		if matchAny(r.subject, subjectText) {
			return build(r.Rule, fields)
		}
		if len(r.body) == 0 {
			continue
		}
		if !bodyDone {
			bodyText = BodyText(fields)
			bodyDone = true
		}
		if matchAny(r.body, bodyText) {
			return build(r.Rule, fields)
		}
	}

	return Result{Kind: model.KindUnclassified, Payload: &model.Unclassified{}}
}

// Normalize unescapes HTML entities and collapses whitespace runs.
func Normalize(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}

// BodyText joins the normalized field values in key order.
func BodyText(fields map[string]string) string {
	keys := slices.Sorted(maps.Keys(fields))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := Normalize(fields[k]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// SourceRef picks the sender's tracking code out of the field bag.
func SourceRef(fields map[string]string) string {
	for _, key := range []string{"ref", "reference"} {
		if v := strings.TrimSpace(fields[key]); v != "" {
			return v
		}
	}
	return ""
}

func build(r Rule, fields map[string]string) Result {
	bag := maps.Clone(fields)
	if bag == nil {
		bag = map[string]string{}
	}

	var payload model.Payload
	switch r.Kind {
	case model.KindScored:
		payload = &model.Scored{
			SourceRef: SourceRef(fields),
			Channel:   r.Channel,
			Fields:    bag,
			Status:    model.ScorePending,
		}
	case model.KindApplication:
		payload = &model.Application{Fields: bag}
	default:
		payload = model.NewPayload(r.Kind)
		if raw, ok := payload.(*model.RawPayload); ok {
			// carry the fields so a newer build can decode them
			data, err := json.Marshal(map[string]any{"fields": bag})
			if err == nil {
				raw.Data = data
			}
		}
	}
	return Result{Kind: r.Kind, Payload: payload, Rule: r.Name}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if text == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
