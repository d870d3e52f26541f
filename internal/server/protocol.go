package server

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"bustrack-svr/internal/bus"
	"bustrack-svr/internal/filter"
)

// Client -> server events.
const (
	EventRole   = "role"
	EventUpdate = "update_bus"
	EventDelete = "delete_bus"
)

// Server -> client events besides the broker snapshots.
const (
	EventAck   = "ack"
	EventError = "error"
)

// Envelope is the frame of every WebSocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	Ref   string `json:"ref,omitempty"`
}

// Ack confirms a mutation. It is sent after the resulting broadcast was
// queued, so the snapshot reflecting the mutation always arrives first.
type Ack struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

// ErrorReply goes to the originating connection only.
type ErrorReply struct {
	Op      string `json:"op,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// rolePayload is the object form of a role declaration. The plain string form
// ("operator") is accepted too.
type rolePayload struct {
	Role string          `json:"role"`
	ID   json.RawMessage `json:"id,omitempty"`
}

func decodeScope(data json.RawMessage) (filter.Scope, error) {
	var name string
	var ownID json.RawMessage
	if err := json.Unmarshal(data, &name); err != nil {
		var p rolePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return filter.Scope{}, &bus.ValidationError{Field: "role", Reason: "must be a role name or {role, id}"}
		}
		name, ownID = p.Role, p.ID
	}

	role, err := filter.ParseRole(name)
	if err != nil {
		return filter.Scope{}, err
	}
	scope := filter.Scope{Role: role}
	if role == filter.RoleDriver {
		if scope.OwnID, err = bus.DecodeID(ownID); err != nil {
			return filter.Scope{}, fmt.Errorf("driver role needs the connection's bus id: %w", err)
		}
	}
	return scope, nil
}

// scopeFromQuery reads a role declared at the handshake, as in
// /ws?role=driver&id=driver2. No role parameter means the none scope.
func scopeFromQuery(q url.Values) (filter.Scope, error) {
	if !q.Has("role") {
		return filter.Scope{}, nil
	}
	role, err := filter.ParseRole(q.Get("role"))
	if err != nil {
		return filter.Scope{}, err
	}
	scope := filter.Scope{Role: role}
	if role == filter.RoleDriver {
		id := strings.TrimSpace(q.Get("id"))
		if id == "" {
			return filter.Scope{}, &bus.ValidationError{Field: "id", Reason: "driver role needs the connection's bus id"}
		}
		scope.OwnID = id
	}
	return scope, nil
}

// decodeDeleteID accepts "driver", 7 or {"id": ...}.
func decodeDeleteID(data json.RawMessage) (string, error) {
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
		var p struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return "", &bus.ValidationError{Field: "id", Reason: "malformed json"}
		}
		data = p.ID
	}
	return bus.DecodeID(data)
}
