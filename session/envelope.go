// Package session implements the out-of-core collaborators named by the
// protocol: the relay websocket transport, the JSON-array envelope framing
// that carries negentropy messages alongside ordinary nostr REQ/EVENT
// traffic, and the per-subscription session bookkeeping that ties a
// reconcile.Reconciler to a live connection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the first element of a nostr relay envelope array.
type Kind string

const (
	KindNegOpen  Kind = "NEG-OPEN"
	KindNegMsg   Kind = "NEG-MSG"
	KindNegErr   Kind = "NEG-ERR"
	KindNegClose Kind = "NEG-CLOSE"

	KindReq    Kind = "REQ"
	KindClose  Kind = "CLOSE"
	KindEvent  Kind = "EVENT"
	KindEOSE   Kind = "EOSE"
	KindOK     Kind = "OK"
	KindNotice Kind = "NOTICE"
)

// ErrMalformed is returned when a JSON payload is not a valid envelope
// array for any recognized Kind.
var ErrMalformed = errors.New("session: malformed envelope")

// Envelope is a decoded relay message. Fields not relevant to Kind are left
// zero. This mirrors how the wire format itself works: a JSON array whose
// first element is a tag and whose remaining shape depends on that tag.
type Envelope struct {
	Kind Kind

	SubID   string          // OPEN, MSG, ERR, CLOSE, REQ, EOSE, CLOSE, EVENT(sub)
	Filter  json.RawMessage // NEG-OPEN, REQ
	Message string          // NEG-OPEN/NEG-MSG hex payload, NEG-ERR reason text, NOTICE text
	Event   json.RawMessage // EVENT payload
	OK      bool            // OK
	OKMsg   string          // OK
}

// MarshalJSON encodes the Envelope as the tagged JSON array the relay
// protocol expects.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindNegOpen:
		return json.Marshal([]any{e.Kind, e.SubID, json.RawMessage(e.Filter), e.Message})
	case KindNegMsg:
		return json.Marshal([]any{e.Kind, e.SubID, e.Message})
	case KindNegErr:
		return json.Marshal([]any{e.Kind, e.SubID, e.Message})
	case KindNegClose:
		return json.Marshal([]any{e.Kind, e.SubID})
	case KindReq:
		return json.Marshal([]any{e.Kind, e.SubID, json.RawMessage(e.Filter)})
	case KindClose:
		return json.Marshal([]any{e.Kind, e.SubID})
	case KindEvent:
		if e.SubID != "" {
			return json.Marshal([]any{e.Kind, e.SubID, json.RawMessage(e.Event)})
		}
		return json.Marshal([]any{e.Kind, json.RawMessage(e.Event)})
	case KindEOSE:
		return json.Marshal([]any{e.Kind, e.SubID})
	case KindOK:
		return json.Marshal([]any{e.Kind, e.SubID, e.OK, e.OKMsg})
	case KindNotice:
		return json.Marshal([]any{e.Kind, e.Message})
	default:
		return nil, fmt.Errorf("session: marshal: %w: unknown kind %q", ErrMalformed, e.Kind)
	}
}

// UnmarshalJSON decodes a tagged JSON array into an Envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("session: unmarshal: %w", ErrMalformed)
	}
	if len(raw) == 0 {
		return fmt.Errorf("session: unmarshal: %w: empty array", ErrMalformed)
	}
	var kind Kind
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return fmt.Errorf("session: unmarshal: %w: bad tag", ErrMalformed)
	}

	get := func(i int) (string, error) {
		if i >= len(raw) {
			return "", fmt.Errorf("session: unmarshal %s: %w: missing field %d", kind, ErrMalformed, i)
		}
		var s string
		if err := json.Unmarshal(raw[i], &s); err != nil {
			return "", fmt.Errorf("session: unmarshal %s: %w: field %d not a string", kind, ErrMalformed, i)
		}
		return s, nil
	}

	*e = Envelope{Kind: kind}
	switch kind {
	case KindNegOpen:
		subID, err := get(1)
		if err != nil {
			return err
		}
		if len(raw) < 4 {
			return fmt.Errorf("session: unmarshal %s: %w", kind, ErrMalformed)
		}
		msg, err := get(3)
		if err != nil {
			return err
		}
		e.SubID, e.Filter, e.Message = subID, raw[2], msg
	case KindNegMsg:
		subID, err := get(1)
		if err != nil {
			return err
		}
		msg, err := get(2)
		if err != nil {
			return err
		}
		e.SubID, e.Message = subID, msg
	case KindNegErr:
		subID, err := get(1)
		if err != nil {
			return err
		}
		msg, err := get(2)
		if err != nil {
			return err
		}
		e.SubID, e.Message = subID, msg
	case KindNegClose:
		subID, err := get(1)
		if err != nil {
			return err
		}
		e.SubID = subID
	case KindReq:
		subID, err := get(1)
		if err != nil {
			return err
		}
		if len(raw) < 3 {
			return fmt.Errorf("session: unmarshal %s: %w", kind, ErrMalformed)
		}
		e.SubID, e.Filter = subID, raw[2]
	case KindClose:
		subID, err := get(1)
		if err != nil {
			return err
		}
		e.SubID = subID
	case KindEvent:
		switch len(raw) {
		case 2:
			e.Event = raw[1]
		case 3:
			subID, err := get(1)
			if err != nil {
				return err
			}
			e.SubID, e.Event = subID, raw[2]
		default:
			return fmt.Errorf("session: unmarshal %s: %w", kind, ErrMalformed)
		}
	case KindEOSE:
		subID, err := get(1)
		if err != nil {
			return err
		}
		e.SubID = subID
	case KindOK:
		subID, err := get(1)
		if err != nil {
			return err
		}
		if len(raw) < 4 {
			return fmt.Errorf("session: unmarshal %s: %w", kind, ErrMalformed)
		}
		var ok bool
		if err := json.Unmarshal(raw[2], &ok); err != nil {
			return fmt.Errorf("session: unmarshal %s: %w: bad ok flag", kind, ErrMalformed)
		}
		msg, err := get(3)
		if err != nil {
			return err
		}
		e.SubID, e.OK, e.OKMsg = subID, ok, msg
	case KindNotice:
		msg, err := get(1)
		if err != nil {
			return err
		}
		e.Message = msg
	default:
		return fmt.Errorf("session: unmarshal: %w: unknown kind %q", ErrMalformed, kind)
	}
	return nil
}
