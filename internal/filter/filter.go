// Package filter decides which records a subscriber may see.
package filter

import (
	"strings"

	"bustrack-svr/internal/bus"
)

type Role string

const (
	RoleNone     Role = ""
	RoleOperator Role = "operator"
	RoleDriver   Role = "driver"
	RoleUser     Role = "user"
)

// ParseRole accepts the closed set of role names; "" and "admin" map to RoleNone.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleNone, RoleOperator, RoleDriver, RoleUser:
		return r, nil
	case "admin":
		return RoleNone, nil
	default:
		return RoleNone, &bus.ValidationError{Field: "role", Reason: "unknown role " + s}
	}
}

// Scope is the visibility class of one subscriber. OwnID is only meaningful
// for RoleDriver.
type Scope struct {
	Role  Role
	OwnID string
}

// Predicate reports whether a record is a tracked vehicle.
type Predicate func(bus.Record) bool

// IDPrefix marks records whose id starts with prefix, which covers both the
// single "driver" id and numbered ids like "driver2".
func IDPrefix(prefix string) Predicate {
	return func(r bus.Record) bool {
		return strings.HasPrefix(r.ID, prefix)
	}
}

// Policy applies the role table. The zero value uses IDPrefix("driver").
type Policy struct {
	Tracked Predicate
}

func NewPolicy(tracked Predicate) Policy {
	return Policy{Tracked: tracked}
}

// Apply returns the records visible to scope. It never mutates records, keeps
// their order and never returns nil.
func (p Policy) Apply(scope Scope, records []bus.Record) []bus.Record {
	tracked := p.Tracked
	if tracked == nil {
		tracked = IDPrefix("driver")
	}

	out := make([]bus.Record, 0, len(records))
	switch scope.Role {
	case RoleNone:
		out = append(out, records...)
	case RoleOperator, RoleUser:
		for _, r := range records {
			if tracked(r) {
				out = append(out, r)
			}
		}
	case RoleDriver:
		if scope.OwnID == "" {
			break
		}
		for _, r := range records {
			if r.ID == scope.OwnID {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
