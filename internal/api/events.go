package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/good-yellow-bee/blazeguard/internal/events"
)

// EventsResponse is returned by POST /events.
type EventsResponse struct {
	Accepted       int `json:"accepted"`
	HandlerFailure int `json:"handler_failures"`
}

// postEvents accepts one envelope {"kind": ..., "event": {...}} or a JSON
// array of them. Every envelope is validated before any is published.
func (s *Server) postEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			JSONError(w, NewTooLarge(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		JSONError(w, NewBadRequest("read body: "+err.Error()))
		return
	}

	var envs []events.Envelope
	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) == 0:
		JSONError(w, NewBadRequest("empty body"))
		return
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &envs); err != nil {
			JSONError(w, NewBadRequest("invalid JSON body: "+err.Error()))
			return
		}
	default:
		var env events.Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			JSONError(w, NewBadRequest("invalid JSON body: "+err.Error()))
			return
		}
		envs = []events.Envelope{env}
	}
	if len(envs) == 0 {
		JSONError(w, NewBadRequest("no events"))
		return
	}

	evs := make([]events.Event, 0, len(envs))
	for i, env := range envs {
		ev, err := env.Open()
		if err != nil {
			JSONError(w, NewValidationError(fmt.Sprintf("event %d: %v", i, err)))
			return
		}
		evs = append(evs, ev)
	}

	var resp EventsResponse
	for _, ev := range evs {
		resp.HandlerFailure += s.deps.Events.Publish(r.Context(), ev)
		resp.Accepted++
	}
	Accepted(w, resp)
}
