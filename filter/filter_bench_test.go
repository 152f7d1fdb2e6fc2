package filter

import (
	"strings"
	"testing"
)

var benchAlert = []byte("From: alerts@jobs.example\r\n" +
	"To: me@example.com\r\n" +
	"Subject: 12 new Go developer jobs for you\r\n" +
	"List-Id: <alerts.jobs.example>\r\n" +
	"\r\n" +
	strings.Repeat("Senior Go Engineer - Remote - apply now\r\n", 40))

func BenchmarkFilter_AllowsMessage(b *testing.B) {
	cases := []struct {
		name string
		opts Options
	}{
		{"none", Options{}},
		{"include-header", Options{IncludeHeader: []string{`(?im)^From:.*@jobs\.example`}}},
		{"exclude-header", Options{ExcludeHeader: []string{`(?im)^From:.*@newsletter\.`}}},
		{"include-multi", Options{IncludeHeader: []string{
			`(?im)^From:.*@jobs\.example`,
			`(?im)^Subject:.*\bjobs?\b`,
			`(?im)^List-Id:`,
		}}},
		{"exclude-body", Options{ExcludeBody: []string{`(?i)unsubscribe from all`}}},
	}

	for _, tc := range cases {
		b.Run(tc.name, func(b *testing.B) {
			f, err := New(tc.opts)
			if err != nil {
				b.Fatal(err)
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				f.AllowsMessage(benchAlert)
			}
		})
	}
}

func BenchmarkSplitRawMessage(b *testing.B) {
	b.SetBytes(int64(len(benchAlert)))
	for i := 0; i < b.N; i++ {
		SplitRawMessage(benchAlert)
	}
}
