package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/jobspool/identity"
	"github.com/dhcgn/jobspool/jobstore"
	"github.com/dhcgn/jobspool/model"
)

type queryFlags struct {
	kinds   []string
	since   string
	until   string
	keyword string
	ref     string
	limit   int
	json    bool
}

func (q queryFlags) filter() (jobstore.Filter, error) {
	f := jobstore.Filter{
		Keyword:   q.keyword,
		SourceRef: q.ref,
		Limit:     q.limit,
	}
	for _, k := range q.kinds {
		f.Kinds = append(f.Kinds, model.Kind(strings.TrimSpace(k)))
	}
	var err error
	if f.From, err = parseTime(q.since, false); err != nil {
		return f, fmt.Errorf("--since: %w", err)
	}
	if f.To, err = parseTime(q.until, true); err != nil {
		return f, fmt.Errorf("--until: %w", err)
	}
	return f, nil
}

// parseTime accepts RFC 3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func parseTime(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC 3339, got %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func newQueryCmd(setup Setup) *cobra.Command {
	var q queryFlags

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List stored records",
		Args:  cobra.NoArgs,
		RunE: runWith(setup, func(cmd *cobra.Command, _ []string, app *App) error {
			f, err := q.filter()
			if err != nil {
				return err
			}
			sp, err := openSpool(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer sp.Close()

			recs, err := sp.pipeline.Jobs().Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			if q.json {
				return writeRecordsJSON(cmd.OutOrStdout(), recs)
			}
			return writeRecordsTable(cmd.OutOrStdout(), recs)
		}),
	}
	cmd.Flags().StringSliceVar(&q.kinds, "kind", nil, "Only these kinds (repeatable)")
	cmd.Flags().StringVar(&q.since, "since", "", "Received at or after (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&q.until, "until", "", "Received at or before (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&q.keyword, "keyword", "", "Case-insensitive text in the subject or any field")
	cmd.Flags().StringVar(&q.ref, "ref", "", "Sender tracking reference")
	cmd.Flags().IntVar(&q.limit, "limit", 0, "Maximum number of records (0 = all)")
	cmd.Flags().BoolVar(&q.json, "json", false, "Print JSON instead of a table")
	return cmd
}

// recordView is the printable form of a record.
type recordView struct {
	Key        string            `json:"key"`
	Kind       model.Kind        `json:"kind"`
	ReceivedAt time.Time         `json:"received_at"`
	Subject    string            `json:"subject"`
	SourceRef  string            `json:"source_ref,omitempty"`
	Score      *int              `json:"score,omitempty"`
	Status     model.ScoreStatus `json:"score_status,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func viewOf(rec model.Record) recordView {
	v := recordView{
		Key:        rec.Key,
		Kind:       rec.Kind,
		ReceivedAt: rec.ReceivedAt.UTC(),
		Subject:    rec.Subject,
		SourceRef:  rec.SourceRef(),
		Fields:     rec.Fields(),
	}
	if s, ok := rec.Scored(); ok {
		v.Score = s.Score
		v.Status = s.Status
	}
	return v
}

func writeRecordsJSON(w io.Writer, recs []model.Record) error {
	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func writeRecordsTable(w io.Writer, recs []model.Record) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no records")
		return err
	}
	data := pterm.TableData{{"Received", "Kind", "Score", "Ref", "Subject"}}
	for _, rec := range recs {
		v := viewOf(rec)
		score := "-"
		if v.Score != nil {
			score = strconv.Itoa(*v.Score)
		}
		data = append(data, []string{
			v.ReceivedAt.Format(time.DateTime),
			string(v.Kind),
			score,
			v.SourceRef,
			v.Subject,
		})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

func newShowCmd(setup Setup) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "show <message-id>",
		Short: "Print the record and stored bytes for a Message-Id",
		Args:  cobra.ExactArgs(1),
		RunE: runWith(setup, func(cmd *cobra.Command, args []string, app *App) error {
			sp, err := openSpool(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer sp.Close()
			return showMessage(cmd.Context(), sp, args[0], raw, cmd.OutOrStdout())
		}),
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the message bytes instead of the record")
	return cmd
}

func showMessage(ctx context.Context, sp *spool, messageID string, raw bool, w io.Writer) error {
	aid, ok := identity.Normalize(messageID)
	if !ok {
		return fmt.Errorf("%w: empty message id", model.ErrMalformedInput)
	}
	tid, err := sp.pipeline.Identity().Resolve(ctx, aid)
	if err != nil {
		return err
	}

	if raw {
		content, err := sp.pipeline.Raw().Get(ctx, tid)
		if err != nil {
			return err
		}
		_, err = w.Write(content)
		return err
	}

	rec, err := sp.pipeline.Jobs().Get(ctx, model.RecordKey(aid, tid))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(viewOf(rec))
}

func newVerifyCmd(setup Setup) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that records, identities and stored bytes agree",
		Args:  cobra.NoArgs,
		RunE: runWith(setup, func(cmd *cobra.Command, _ []string, app *App) error {
			sp, err := openSpool(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer sp.Close()

			rep, err := sp.pipeline.Verify(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "records %d, identities %d, raw %d, orphans %d\n",
				rep.Records, rep.Identities, rep.Raw, rep.Orphans)
			return err
		}),
	}
}
