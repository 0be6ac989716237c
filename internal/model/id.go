package model

import (
	"fmt"
	"regexp"
	"strconv"
)

// IDKind is the single-letter prefix of a persistent identifier.
type IDKind string

const (
	IDKindTask    IDKind = "T"
	IDKindSprint  IDKind = "S"
	IDKindBacklog IDKind = "B"
)

// Identifiers are the prefix plus a zero-padded monotonic sequence, e.g.
// "T0007". The store owns the per-collection counters; sequences never
// restart, so ascending ID order is creation order.
var idRegex = regexp.MustCompile(`^([TSB])([0-9]{4,})$`)

// FormatID renders the canonical identifier for a sequence number.
func FormatID(kind IDKind, seq int) string {
	return fmt.Sprintf("%s%04d", kind, seq)
}

// ParseID splits an identifier into its kind and sequence number.
func ParseID(id string) (IDKind, int, error) {
	m := idRegex.FindStringSubmatch(id)
	if m == nil {
		return "", 0, &ValidationError{Msg: fmt.Sprintf("malformed identifier %q", id)}
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, &ValidationError{Msg: fmt.Sprintf("malformed identifier %q", id)}
	}
	return IDKind(m[1]), seq, nil
}

// ValidID reports whether id is a well-formed identifier of the given kind.
func ValidID(kind IDKind, id string) bool {
	k, _, err := ParseID(id)
	return err == nil && k == kind
}
