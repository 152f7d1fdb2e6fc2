package filter

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Action is what the pipeline does with a routed message.
type Action string

const (
	// ActionJob stores, indexes and classifies the message.
	ActionJob Action = "job"
	// ActionStore keeps only the raw bytes.
	ActionStore Action = "store"
	// ActionIgnore drops the message without storing anything.
	ActionIgnore Action = "ignore"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionJob, ActionStore, ActionIgnore:
		return a, nil
	case "":
		return ActionJob, nil
	default:
		return "", fmt.Errorf("unknown routing action %q", s)
	}
}

// recipientHeaders are consulted in order; the first routed address wins.
var recipientHeaders = []string{"Delivered-To", "X-Original-To", "To", "Cc"}

// Routing maps recipient addresses to actions. With no recipients
// configured every message gets Default.
type Routing struct {
	Recipients map[string]Action
	Default    Action
}

// NewRouting normalizes the address keys.
func NewRouting(recipients map[string]Action, def Action) Routing {
	norm := make(map[string]Action, len(recipients))
	for addr, action := range recipients {
		norm[strings.ToLower(strings.TrimSpace(addr))] = action
	}
	if def == "" {
		def = ActionJob
	}
	return Routing{Recipients: norm, Default: def}
}

// Route returns the action for h and the recipient that selected it.
func (r Routing) Route(h mail.Header) (Action, string) {
	def := r.Default
	if def == "" {
		def = ActionJob
	}
	if len(r.Recipients) == 0 {
		return def, ""
	}

	for _, key := range recipientHeaders {
		addrs, err := h.AddressList(key)
		if err != nil {
			// fall back to the raw value for sloppy headers
			if action, ok := r.Recipients[strings.ToLower(strings.Trim(strings.TrimSpace(h.Get(key)), "<>"))]; ok {
				return action, h.Get(key)
			}
			continue
		}
		for _, addr := range addrs {
			if action, ok := r.Recipients[strings.ToLower(addr.Address)]; ok {
				return action, addr.Address
			}
		}
	}
	return def, ""
}
