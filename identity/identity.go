// Package identity maps application identifiers (normalized Message-Id
// values) to the transport identifier currently holding the message bytes.
package identity

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/cases"

	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/state"
)

// Normalize canonicalizes a raw Message-Id value. It reports false when
// nothing is left once whitespace and delimiters are removed.
func Normalize(raw string) (model.AID, bool) {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	return model.AID("<" + cases.Fold().String(id) + ">"), true
}

// Extract parses only the header block of a raw message.
func Extract(content []byte) (mail.Header, error) {
	r := bufio.NewReader(bytes.NewReader(model.StripBOM(content)))
	h, err := textproto.ReadHeader(r)
	if err != nil {
		return mail.Header{}, fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
	}
	return mail.Header{Header: message.Header{Header: h}}, nil
}

// AIDFromHeader returns the normalized Message-Id, or model.ErrNoIdentifier.
func AIDFromHeader(h mail.Header) (model.AID, error) {
	aid, ok := Normalize(h.Get("Message-Id"))
	if !ok {
		return "", model.ErrNoIdentifier
	}
	return aid, nil
}

// Index stores one entry per AID in the aid namespace, so resolving is a
// single point read.
type Index struct {
	kv     state.Tx
	logger *slog.Logger
	now    func() time.Time
}

func New(kv state.Tx, logger *slog.Logger) *Index {
	return &Index{kv: kv, logger: logger, now: time.Now}
}

// In returns a view of the index whose operations run inside tx.
func (x *Index) In(tx state.Tx) *Index {
	return &Index{kv: tx, logger: x.logger, now: x.now}
}

// WithClock replaces the time source used for UpdatedAt.
func (x *Index) WithClock(now func() time.Time) *Index {
	return &Index{kv: x.kv, logger: x.logger, now: now}
}

// Index binds the AID found in h to tid. A message without an identifier
// returns model.ErrNoIdentifier and leaves the index unchanged; the caller
// goes on with TID-only tracking.
func (x *Index) Index(ctx context.Context, tid model.TID, h mail.Header) (model.AID, error) {
	aid, err := AIDFromHeader(h)
	if err != nil {
		return "", err
	}

	entry, err := x.Lookup(ctx, aid)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return aid, x.store(ctx, model.IdentityEntry{AID: aid, TID: tid, UpdatedAt: x.now()})
	case err != nil:
		return "", err
	case entry.TID == tid:
		return aid, nil
	}
	return aid, x.rebind(ctx, entry, tid)
}

// Resolve returns the TID currently bound to aid.
func (x *Index) Resolve(ctx context.Context, aid model.AID) (model.TID, error) {
	entry, err := x.Lookup(ctx, aid)
	if err != nil {
		return "", err
	}
	return entry.TID, nil
}

func (x *Index) Lookup(ctx context.Context, aid model.AID) (model.IdentityEntry, error) {
	data, err := x.kv.Get(ctx, state.NamespaceAID, string(aid))
	if err != nil {
		return model.IdentityEntry{}, fmt.Errorf("identity %s: %w", aid, err)
	}
	var entry model.IdentityEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return model.IdentityEntry{}, fmt.Errorf("%w: identity %s: %v", model.ErrInvariantViolation, aid, err)
	}
	entry.AID = aid
	return entry, nil
}

// Rebind points aid at tid. The newest binding wins; the superseded TID is
// kept in Prior and logged.
func (x *Index) Rebind(ctx context.Context, aid model.AID, tid model.TID) error {
	entry, err := x.Lookup(ctx, aid)
	if errors.Is(err, model.ErrNotFound) {
		return x.store(ctx, model.IdentityEntry{AID: aid, TID: tid, UpdatedAt: x.now()})
	}
	if err != nil {
		return err
	}
	if entry.TID == tid {
		return nil
	}
	return x.rebind(ctx, entry, tid)
}

func (x *Index) rebind(ctx context.Context, entry model.IdentityEntry, tid model.TID) error {
	if x.logger != nil {
		x.logger.Warn("identity rebound", "aid", entry.AID, "supersededTID", entry.TID.Hex(), "tid", tid.Hex(), "priorCount", len(entry.Prior)+1)
	}

	prior := make([]model.TID, 0, len(entry.Prior)+1)
	for _, p := range entry.Prior {
		if p != tid {
			prior = append(prior, p)
		}
	}
	prior = append(prior, entry.TID)

	entry.Prior = prior
	entry.TID = tid
	entry.UpdatedAt = x.now()
	return x.store(ctx, entry)
}

func (x *Index) Remove(ctx context.Context, aid model.AID) error {
	if err := x.kv.Delete(ctx, state.NamespaceAID, string(aid)); err != nil {
		return fmt.Errorf("identity remove %s: %w", aid, err)
	}
	return nil
}

func (x *Index) store(ctx context.Context, entry model.IdentityEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", entry.AID, err)
	}
	if err := x.kv.Put(ctx, state.NamespaceAID, string(entry.AID), data); err != nil {
		return fmt.Errorf("identity put %s: %w", entry.AID, err)
	}
	return nil
}
