package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dhcgn/jobspool/model"
	"github.com/dhcgn/jobspool/state"
)

// Report summarizes a consistency check.
type Report struct {
	Records    int
	Identities int
	Raw        int
	// Orphans counts raw messages no record or identity refers to. They are
	// expected for store-routed and filtered mail and are not violations.
	Orphans int
}

// Verify walks all namespaces and reports cross-namespace violations: a
// record whose AID has no identity entry, an identity that does not point at
// the record's TID, or an identity whose current bytes are gone. Nothing is
// repaired.
func (p *Pipeline) Verify(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	violation := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{model.ErrInvariantViolation}, args...)...))
	}

	referenced := make(map[model.TID]bool)
	entries := make(map[model.AID]model.IdentityEntry)

	err := p.db.Iterate(ctx, state.NamespaceAID, func(key string, value []byte) error {
		var entry model.IdentityEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			violation("identity %s: %v", key, err)
			return nil
		}
		entry.AID = model.AID(key)
		entries[entry.AID] = entry
		for _, tid := range entry.TIDs() {
			referenced[tid] = true
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	rep.Identities = len(entries)

	err = p.db.Iterate(ctx, state.NamespaceJobs, func(key string, value []byte) error {
		rep.Records++
		var rec model.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			violation("record %s: %v", key, err)
			return nil
		}
		referenced[rec.TID] = true
		if rec.AID == "" {
			return nil
		}
		entry, ok := entries[rec.AID]
		switch {
		case !ok:
			violation("record %s has no identity entry", key)
		case entry.TID != rec.TID:
			violation("record %s is bound to %s but its identity points at %s", key, rec.TID.Hex(), entry.TID.Hex())
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	raw := make(map[model.TID]bool)
	err = p.db.Iterate(ctx, state.NamespaceRaw, func(key string, _ []byte) error {
		tid := model.TID(key)
		raw[tid] = true
		if !referenced[tid] {
			rep.Orphans++
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	rep.Raw = len(raw)

	for aid, entry := range entries {
		if !raw[entry.TID] {
			violation("identity %s points at missing raw %s", aid, entry.TID.Hex())
		}
	}

	if p.logger != nil {
		p.logger.Info("verify finished", "records", rep.Records, "identities", rep.Identities, "raw", rep.Raw, "orphans", rep.Orphans, "violations", len(errs))
	}
	return rep, errors.Join(errs...)
}
