package bus

import (
	"errors"
	"fmt"
)

// Role is the logical identity a process declares when joining the bus.
// It is assigned at transport construction and immutable for the process
// lifetime.
type Role string

const (
	RoleMain    Role = "main"
	RoleStream  Role = "stream"
	RoleUnified Role = "unified"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMain, RoleStream, RoleUnified:
		return true
	default:
		return false
	}
}

func ParseRole(s string) (Role, error) {
	role := Role(s)
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}

	return role, nil
}

// Target addresses an envelope to a role, to every peer ("all"), or to
// every peer when left empty.
type Target string

const TargetAll Target = "all"

func (t Target) IsBroadcast() bool {
	return t == "" || t == TargetAll
}

func (t Target) Matches(role Role) bool {
	return t.IsBroadcast() || Role(t) == role
}

var errEmptyTarget = errors.New("target cannot be derived from empty string")

func ParseTarget(s string) (Target, error) {
	if s == "" {
		return "", errEmptyTarget
	}

	if s == string(TargetAll) {
		return TargetAll, nil
	}

	role, err := ParseRole(s)
	if err != nil {
		return "", err
	}

	return Target(role), nil
}
