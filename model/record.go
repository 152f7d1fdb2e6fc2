package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind names one classification outcome. The set is open: new kinds are
// added with RegisterKind and unknown kinds survive a storage round trip as
// RawPayload.
type Kind string

const (
	KindScored       Kind = "scored"
	KindApplication  Kind = "application"
	KindUnclassified Kind = "unclassified"
)

// Payload is the kind-specific part of a Record.
type Payload interface {
	Kind() Kind
}

// FieldBag is implemented by payloads carrying free-form extracted fields.
type FieldBag interface {
	FieldMap() map[string]string
}

type ScoreStatus string

const (
	ScorePending ScoreStatus = "pending"
	ScoreDone    ScoreStatus = "scored"
)

// Scored is an opportunity awaiting or holding a relevance score. SourceRef
// is the sender's tracking code and is reused across postings, so it is not
// a key.
type Scored struct {
	SourceRef     string            `json:"source_ref,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Score         *int              `json:"score,omitempty"`
	Rationale     string            `json:"score_rationale,omitempty"`
	Status        ScoreStatus       `json:"score_status"`
	Attempts      int               `json:"score_attempts,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at,omitzero"`
	LastError     string            `json:"last_error,omitempty"`
	Reviewed      bool              `json:"reviewed,omitempty"`
}

func (*Scored) Kind() Kind                    { return KindScored }
func (s *Scored) FieldMap() map[string]string { return s.Fields }
func (s *Scored) HasScore() bool              { return s.Score != nil && s.Status == ScoreDone }

// SetScore attaches a score, clamped to 0..10.
func (s *Scored) SetScore(score int, rationale string) {
	score = min(10, max(0, score))
	s.Score = &score
	s.Rationale = rationale
	s.Status = ScoreDone
	s.LastError = ""
	s.NextAttemptAt = time.Time{}
}

// Application is a confirmation that an application was sent.
type Application struct {
	Fields map[string]string `json:"application_fields,omitempty"`
}

func (*Application) Kind() Kind                    { return KindApplication }
func (a *Application) FieldMap() map[string]string { return a.Fields }

// Unclassified marks a message that was seen but not understood.
type Unclassified struct{}

func (*Unclassified) Kind() Kind { return KindUnclassified }

// RawPayload carries the payload of a kind this build does not know.
type RawPayload struct {
	kind Kind
	Data json.RawMessage
}

func NewRawPayload(kind Kind, data json.RawMessage) *RawPayload {
	return &RawPayload{kind: kind, Data: data}
}

func (r *RawPayload) Kind() Kind { return r.kind }

var (
	registryMu sync.RWMutex
	registry   = map[Kind]func() Payload{
		KindScored:       func() Payload { return &Scored{Status: ScorePending} },
		KindApplication:  func() Payload { return &Application{} },
		KindUnclassified: func() Payload { return &Unclassified{} },
	}
)

// RegisterKind makes a payload type available for decoding.
func RegisterKind(kind Kind, factory func() Payload) {
	registryMu.Lock()
	registry[kind] = factory
	registryMu.Unlock()
}

// NewPayload returns an empty payload for kind, or a RawPayload when the kind
// is not registered.
func NewPayload(kind Kind) Payload {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return NewRawPayload(kind, nil)
	}
	return factory()
}

// Record is the persisted classification result for one message.
type Record struct {
	Key        string
	AID        AID
	TID        TID
	Kind       Kind
	ReceivedAt time.Time
	Subject    string
	Payload    Payload
}

// RecordKey returns the storage key for a message. Messages without an AID
// fall back to a synthetic key derived from the TID, which no AID lookup can
// produce because normalized AIDs always start with '<'.
func RecordKey(aid AID, tid TID) string {
	if aid != "" {
		return string(aid)
	}
	return "tid:" + tid.Hex()
}

// Validate checks the fields every record must carry.
func (r Record) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: record key is empty", ErrMalformedInput)
	}
	if r.AID == "" && r.TID == "" {
		return fmt.Errorf("%w: record %s has neither aid nor tid", ErrMalformedInput, r.Key)
	}
	if r.Kind == "" {
		return fmt.Errorf("%w: record %s has no kind", ErrMalformedInput, r.Key)
	}
	if r.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: record %s has no received_at", ErrMalformedInput, r.Key)
	}
	if r.Payload != nil && r.Payload.Kind() != r.Kind {
		return fmt.Errorf("%w: record %s kind %q carries %q payload", ErrMalformedInput, r.Key, r.Kind, r.Payload.Kind())
	}
	return nil
}

// Fields returns the payload's field bag, or nil.
func (r Record) Fields() map[string]string {
	if bag, ok := r.Payload.(FieldBag); ok {
		return bag.FieldMap()
	}
	return nil
}

// Scored returns the scored payload when the record has one.
func (r Record) Scored() (*Scored, bool) {
	s, ok := r.Payload.(*Scored)
	return s, ok
}

// SourceRef returns the external reference of a scored record.
func (r Record) SourceRef() string {
	if s, ok := r.Scored(); ok {
		return s.SourceRef
	}
	return ""
}

// Matches reports whether keyword occurs in the subject or any field value.
// keyword must already be case-folded; fold is applied to the record text.
func (r Record) Matches(keyword string, fold func(string) string) bool {
	if keyword == "" {
		return true
	}
	if strings.Contains(fold(r.Subject), keyword) {
		return true
	}
	fields := r.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(fold(fields[k]), keyword) {
			return true
		}
	}
	return false
}

type recordJSON struct {
	Key        string          `json:"key"`
	AID        AID             `json:"aid,omitempty"`
	TID        []byte          `json:"tid,omitempty"`
	Kind       Kind            `json:"kind"`
	ReceivedAt time.Time       `json:"received_at"`
	Subject    string          `json:"subject"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	wire := recordJSON{
		Key:        r.Key,
		AID:        r.AID,
		Kind:       r.Kind,
		ReceivedAt: r.ReceivedAt.UTC(),
		Subject:    r.Subject,
	}
	if r.TID != "" {
		wire.TID = []byte(r.TID)
	}
	switch p := r.Payload.(type) {
	case nil:
	case *RawPayload:
		wire.Payload = p.Data
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", r.Kind, err)
		}
		wire.Payload = data
	}
	return json.Marshal(wire)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var wire recordJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Key = wire.Key
	r.AID = wire.AID
	r.TID = TID(wire.TID)
	r.Kind = wire.Kind
	r.ReceivedAt = wire.ReceivedAt
	r.Subject = wire.Subject

	payload := NewPayload(wire.Kind)
	if raw, ok := payload.(*RawPayload); ok {
		raw.Data = wire.Payload
		r.Payload = raw
		return nil
	}
	if len(wire.Payload) > 0 {
		if err := json.Unmarshal(wire.Payload, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", wire.Kind, err)
		}
	}
	r.Payload = payload
	return nil
}
