package model

import (
	"encoding/json"
	"time"
)

// RawMessage is a stored message exactly as received, minus any leading BOM.
type RawMessage struct {
	TID     TID
	Content []byte
}

// IdentityEntry binds an AID to the TID currently holding its bytes. Prior
// lists superseded TIDs, oldest first.
type IdentityEntry struct {
	AID       AID
	TID       TID
	Prior     []TID
	UpdatedAt time.Time
}

type identityJSON struct {
	TID       []byte    `json:"tid"`
	Prior     [][]byte  `json:"prior,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalJSON omits the AID, which is the storage key.
func (e IdentityEntry) MarshalJSON() ([]byte, error) {
	wire := identityJSON{TID: []byte(e.TID), UpdatedAt: e.UpdatedAt.UTC()}
	for _, p := range e.Prior {
		wire.Prior = append(wire.Prior, []byte(p))
	}
	return json.Marshal(wire)
}

func (e *IdentityEntry) UnmarshalJSON(data []byte) error {
	var wire identityJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.TID = TID(wire.TID)
	e.UpdatedAt = wire.UpdatedAt
	e.Prior = nil
	for _, p := range wire.Prior {
		e.Prior = append(e.Prior, TID(p))
	}
	return nil
}

// TIDs returns the current TID followed by every prior one.
func (e IdentityEntry) TIDs() []TID {
	out := make([]TID, 0, len(e.Prior)+1)
	out = append(out, e.TID)
	return append(out, e.Prior...)
}
