// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxOwnerIDLen = 64

	// OwnerConnectionPrefix marks a connection id as owner-scoped: "user_<owner>".
	OwnerConnectionPrefix = "user_"
)

var (
	ErrOwnerIDTooLong = errors.New("owner id too long")
	ErrOwnerIDEmpty   = errors.New("owner id empty")
)

// OwnerID identifies the tenant (student) a set of sessions and one media
// session belong to.
type OwnerID string

func NewOwnerID(raw string) (OwnerID, error) {
	if len(raw) == 0 {
		return "", ErrOwnerIDEmpty
	}
	if len(raw) > MaxOwnerIDLen {
		return "", ErrOwnerIDTooLong
	}
	return OwnerID(raw), nil
}

// OwnerFromConnectionID reports whether raw has the owner-scoped shape and
// returns the owner it names.
func OwnerFromConnectionID(raw string) (OwnerID, bool) {
	rest, ok := strings.CutPrefix(raw, OwnerConnectionPrefix)
	if !ok {
		return "", false
	}
	owner, err := NewOwnerID(rest)
	if err != nil {
		return "", false
	}
	return owner, true
}

// ConnectionID is the canonical raw id of the owner's owner-scoped connections.
func (o OwnerID) ConnectionID() string { return OwnerConnectionPrefix + string(o) }
