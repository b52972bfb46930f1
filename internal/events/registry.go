package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKind is returned when decoding an event of an unregistered kind.
var ErrUnknownKind = errors.New("unknown event kind")

var registry = map[Kind]func() Event{
	KindPHPError:           func() Event { return &PHPError{} },
	KindSlowRequest:        func() Event { return &SlowRequest{} },
	KindMaliciousUpload:    func() Event { return &MaliciousUpload{} },
	KindAdminActivity:      func() Event { return &AdminActivity{} },
	KindFailedLogin:        func() Event { return &FailedLogin{} },
	KindSuspiciousRedirect: func() Event { return &SuspiciousRedirect{} },
	KindUserRegistration:   func() Event { return &UserRegistration{} },
}

// Kinds returns every registered kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindPHPError, KindSlowRequest, KindMaliciousUpload, KindAdminActivity,
		KindFailedLogin, KindSuspiciousRedirect, KindUserRegistration,
	}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := registry[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// New returns an empty event of the given kind.
func New(kind Kind) (Event, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return factory(), nil
}

// Envelope is the wire form of an event: {"kind": ..., "event": {...}}.
type Envelope struct {
	Kind  Kind            `json:"kind"`
	Event json.RawMessage `json:"event"`
}

// Encode wraps ev in an envelope and marshals it.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: ev.Kind(), Event: body})
}

// Decode parses an envelope and returns the typed event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Open()
}

// Open decodes the envelope body into its typed event. A missing timestamp
// is set to the current time.
func (env Envelope) Open() (Event, error) {
	ev, err := New(env.Kind)
	if err != nil {
		return nil, err
	}
	if len(env.Event) > 0 {
		if err := json.Unmarshal(env.Event, ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s event: %w", env.Kind, err)
		}
	}
	h := Header(ev)
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	if h.Severity != "" && !h.Severity.IsValid() {
		return nil, fmt.Errorf("invalid severity %q", h.Severity)
	}
	return ev, nil
}

// DecodeBatch parses one envelope or a JSON array of envelopes. Every
// envelope is opened before any event is returned.
func DecodeBatch(data []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("no events")
	}
	var envs []Envelope
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &envs); err != nil {
			return nil, fmt.Errorf("unmarshal envelopes: %w", err)
		}
	} else {
		var env Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		envs = append(envs, env)
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("no events")
	}

	evs := make([]Event, 0, len(envs))
	for i, env := range envs {
		ev, err := env.Open()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		evs = append(evs, ev)
	}
	return evs, nil
}
