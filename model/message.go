package model

import (
	"bytes"
	"encoding/hex"
	"time"
)

// TID is the opaque transport identifier assigned by the mailbox a message
// was fetched from. It holds arbitrary bytes and is only stable within one
// mailbox lifetime.
type TID string

// Hex renders the identifier in a form safe for logs and synthetic keys.
func (t TID) Hex() string {
	return hex.EncodeToString([]byte(t))
}

// AID is the normalized application identifier taken from the Message-Id
// header, always wrapped in angle brackets.
type AID string

// Message represents a single fetched email message.
type Message struct {
	TID        TID
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}

// Envelope wraps a message alongside an optional error encountered while fetching.
type Envelope struct {
	Message Message
	Err     error
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// StripBOM removes byte-order marks some senders prepend before the header
// block. Header parsing silently yields nothing when they are left in place.
func StripBOM(raw []byte) []byte {
	for bytes.HasPrefix(raw, utf8BOM) {
		raw = raw[len(utf8BOM):]
	}
	return raw
}
