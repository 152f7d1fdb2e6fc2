package classify

import (
	"encoding/json"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/jobspool/model"
)

func TestClassify_Rules(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		fields  map[string]string
		kind    model.Kind
		channel string
	}{
		{"suggestion", "Your Job Suggestion: Go Engineer", nil, model.KindScored, "suggestion"},
		{"alert", "JobServe JOB ALERT - 5 new jobs", nil, model.KindScored, "alert"},
		{"application subject", "Application Confirmation - Go Engineer", nil, model.KindApplication, ""},
		{"application body", "Thanks", map[string]string{"intro": "You have applied for the job listed below"}, model.KindApplication, ""},
		{"entity and spacing", "Job&nbsp;&nbsp;Alert:\t Platform", nil, model.KindScored, "alert"},
		{"html entity in subject", "Application&#32;Confirmation", nil, model.KindApplication, ""},
		{"nothing", "Weekly newsletter", map[string]string{"x": "y"}, model.KindUnclassified, ""},
		{"empty", "", nil, model.KindUnclassified, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Default.Classify(mail.Header{}, tt.subject, tt.fields)
			require.NotNil(t, res.Payload)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.kind, res.Payload.Kind())
			if tt.kind == model.KindScored {
				s := res.Payload.(*model.Scored)
				assert.Equal(t, tt.channel, s.Channel)
				assert.Equal(t, model.ScorePending, s.Status)
				assert.Nil(t, s.Score)
			}
		})
	}
}

func TestClassify_ApplicationBeatsScored(t *testing.T) {
	res := Default.Classify(mail.Header{}, "Job alert", map[string]string{
		"body": "You have APPLIED for the job listed below",
	})
	assert.Equal(t, model.KindApplication, res.Kind)
	assert.Equal(t, "application-confirmation", res.Rule)
}

func TestClassify_IsDeterministic(t *testing.T) {
	fields := map[string]string{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		fields[k] = "value " + k
	}
	fields["z"] = "applied for the job listed below"

	first := Default.Classify(mail.Header{}, "hello", fields)
	for i := 0; i < 50; i++ {
		res := Default.Classify(mail.Header{}, "hello", fields)
		assert.Equal(t, first.Kind, res.Kind)
		assert.Equal(t, first.Rule, res.Rule)
	}
	assert.Equal(t, "value a\nvalue b\nvalue c\nvalue d\nvalue e\nvalue f\nvalue g\nvalue h\napplied for the job listed below", BodyText(fields))
}

func TestClassify_TotalOverOddInput(t *testing.T) {
	inputs := []struct {
		subject string
		fields  map[string]string
	}{
		{"\x00\xff", map[string]string{"": ""}},
		{"&&&;;;&#xZZ;", nil},
		{"   ", map[string]string{"k": "   "}},
	}
	for _, in := range inputs {
		res := Default.Classify(mail.Header{}, in.subject, in.fields)
		require.NotNil(t, res.Payload)
		assert.Contains(t, []model.Kind{model.KindScored, model.KindApplication, model.KindUnclassified}, res.Kind)
	}
}

func TestClassify_SourceRefAndFieldsCopied(t *testing.T) {
	fields := map[string]string{"job_title": "Go Engineer", "ref": " JS-BBBH166669 "}
	res := Default.Classify(mail.Header{}, "Job Suggestion", fields)

	s, ok := res.Payload.(*model.Scored)
	require.True(t, ok)
	assert.Equal(t, "JS-BBBH166669", s.SourceRef)

	fields["job_title"] = "changed"
	assert.Equal(t, "Go Engineer", s.Fields["job_title"])

	assert.Equal(t, "JS-1", SourceRef(map[string]string{"reference": "JS-1"}))
	assert.Equal(t, "", SourceRef(nil))
}

func TestClassify_FallsBackToHeaderSubject(t *testing.T) {
	var h mail.Header
	h.SetSubject("Job Alert: Platform")
	res := Default.Classify(h, "", nil)
	assert.Equal(t, model.KindScored, res.Kind)
}

func TestNew_CustomKind(t *testing.T) {
	e, err := New(append([]Rule{{
		Name:    "contract-digest",
		Kind:    "contract_digest",
		Subject: []string{`contract digest`},
	}}, DefaultRules()...))
	require.NoError(t, err)

	res := e.Classify(mail.Header{}, "Weekly Contract Digest", map[string]string{"k": "v"})
	assert.Equal(t, model.Kind("contract_digest"), res.Kind)

	raw, ok := res.Payload.(*model.RawPayload)
	require.True(t, ok)
	var decoded map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw.Data, &decoded))
	assert.Equal(t, "v", decoded["fields"]["k"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New([]Rule{{Name: "no kind", Subject: []string{"x"}}})
	require.Error(t, err)

	_, err = New([]Rule{{Name: "bad", Kind: model.KindScored, Subject: []string{"("}}})
	require.Error(t, err)
}
