package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripBOM(t *testing.T) {
	assert.Equal(t, []byte("Subject: x"), StripBOM([]byte("\xEF\xBB\xBFSubject: x")))
	assert.Equal(t, []byte("Subject: x"), StripBOM([]byte("\xEF\xBB\xBF\xEF\xBB\xBFSubject: x")))
	assert.Equal(t, []byte("Subject: x"), StripBOM([]byte("Subject: x")))
	assert.Empty(t, StripBOM(nil))
}

func TestErrors_Wrap(t *testing.T) {
	assert.True(t, errors.Is(ErrNoIdentifier, ErrMalformedInput))
	assert.False(t, errors.Is(ErrMalformedInput, ErrNoIdentifier))
}

func TestScored_SetScoreClamps(t *testing.T) {
	s := &Scored{Status: ScorePending, LastError: "timeout", NextAttemptAt: time.Now()}
	s.SetScore(42, "great fit")
	require.NotNil(t, s.Score)
	assert.Equal(t, 10, *s.Score)
	assert.True(t, s.HasScore())
	assert.Empty(t, s.LastError)
	assert.True(t, s.NextAttemptAt.IsZero())

	s.SetScore(-3, "")
	assert.Equal(t, 0, *s.Score)
}

func TestRecord_Validate(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	valid := Record{Key: "<a@b>", AID: "<a@b>", Kind: KindUnclassified, ReceivedAt: at, Payload: &Unclassified{}}
	require.NoError(t, valid.Validate())

	broken := []Record{
		{AID: "<a@b>", Kind: KindUnclassified, ReceivedAt: at},
		{Key: "k", Kind: KindUnclassified, ReceivedAt: at},
		{Key: "k", AID: "<a@b>", ReceivedAt: at},
		{Key: "k", AID: "<a@b>", Kind: KindUnclassified},
		{Key: "k", AID: "<a@b>", Kind: KindScored, ReceivedAt: at, Payload: &Application{}},
	}
	for i, r := range broken {
		assert.ErrorIs(t, r.Validate(), ErrMalformedInput, "case %d", i)
	}
}

func TestRecord_JSONKnownKinds(t *testing.T) {
	score := 8
	in := Record{
		Key:        RecordKey("", TID([]byte{0x00, 0xff})),
		TID:        TID([]byte{0x00, 0xff}),
		Kind:       KindScored,
		ReceivedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600)),
		Subject:    "Job Alert",
		Payload: &Scored{
			SourceRef: "JS-1",
			Channel:   "alert",
			Fields:    map[string]string{"job_title": "Go"},
			Score:     &score,
			Status:    ScoreDone,
		},
	}
	assert.Equal(t, "tid:00ff", in.Key)

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Record
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.TID, out.TID)
	assert.True(t, in.ReceivedAt.Equal(out.ReceivedAt))
	assert.Equal(t, time.UTC, out.ReceivedAt.Location())
	s, ok := out.Scored()
	require.True(t, ok)
	assert.Equal(t, 8, *s.Score)
	assert.Equal(t, "JS-1", out.SourceRef())
	assert.Equal(t, map[string]string{"job_title": "Go"}, out.Fields())
}

func TestRecord_JSONUnknownKindSurvives(t *testing.T) {
	data := []byte(`{"key":"<a@b>","aid":"<a@b>","kind":"contract_digest","received_at":"2024-03-01T10:00:00Z","subject":"s","payload":{"fields":{"k":"v"}}}`)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	raw, ok := rec.Payload.(*RawPayload)
	require.True(t, ok)
	assert.Equal(t, Kind("contract_digest"), raw.Kind())
	require.NoError(t, rec.Validate())

	again, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(again), `"payload":{"fields":{"k":"v"}}`))
}

type digest struct {
	Count int `json:"count"`
}

func (*digest) Kind() Kind { return "test_digest" }

func TestRegisterKind(t *testing.T) {
	RegisterKind("test_digest", func() Payload { return &digest{} })

	data := []byte(`{"key":"k","tid":"dWlk","kind":"test_digest","received_at":"2024-03-01T10:00:00Z","subject":"s","payload":{"count":3}}`)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	d, ok := rec.Payload.(*digest)
	require.True(t, ok)
	assert.Equal(t, 3, d.Count)
	assert.Equal(t, TID("uid"), rec.TID)
}

func TestRecord_Matches(t *testing.T) {
	rec := Record{Subject: "Job Alert", Payload: &Scored{Fields: map[string]string{"location": "London"}}}
	lower := strings.ToLower
	assert.True(t, rec.Matches("", lower))
	assert.True(t, rec.Matches("alert", lower))
	assert.True(t, rec.Matches("london", lower))
	assert.False(t, rec.Matches("paris", lower))
}

func TestRetentionPolicy(t *testing.T) {
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	p := DefaultRetentionPolicy()

	rec := func(kind Kind, age time.Duration) Record {
		return Record{Kind: kind, ReceivedAt: now.Add(-age)}
	}
	day := 24 * time.Hour

	assert.True(t, p.Expired(rec(KindScored, 15*day), now))
	assert.False(t, p.Expired(rec(KindScored, 13*day), now))
	assert.False(t, p.Expired(rec(KindScored, 14*day), now))
	assert.True(t, p.Expired(rec(KindApplication, 29*day), now))
	assert.False(t, p.Expired(rec(KindUnclassified, 10000*day), now))
	assert.False(t, p.Expired(rec("unknown", 10000*day), now))

	q := p.With(map[Kind]int{KindScored: 0, KindUnclassified: 90})
	assert.False(t, q.Expired(rec(KindScored, 100*day), now))
	assert.True(t, q.Expired(rec(KindUnclassified, 91*day), now))
	assert.Equal(t, 14, p[KindScored], "With must not modify the receiver")
}

func TestIdentityEntry_JSON(t *testing.T) {
	in := IdentityEntry{
		AID:       "<a@b>",
		TID:       TID([]byte{0x01, 0xfe}),
		Prior:     []TID{"uid-1"},
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "<a@b>")

	var out IdentityEntry
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.TID, out.TID)
	assert.Equal(t, in.Prior, out.Prior)
	assert.Equal(t, []TID{in.TID, "uid-1"}, out.TIDs())
}
