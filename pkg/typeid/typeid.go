package typeid

import (
	"fmt"
	"strings"
)

// TypeID 跨服务类型标识，形如 "service:entity"（例如 sales:deal）。
// The engine never inspects the entity beyond this pair; services own
// their entity shapes.
type TypeID struct {
	Service string
	Entity  string
}

// Parse splits a raw "service:entity" identifier. Both parts must be
// non-empty and contain no further colon.
func Parse(raw string) (TypeID, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TypeID{}, fmt.Errorf("malformed type id %q: want service:entity", raw)
	}
	return TypeID{Service: parts[0], Entity: parts[1]}, nil
}

// MustParse is for static tables known to be well-formed.
func MustParse(raw string) TypeID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether raw parses as a TypeID.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

func (t TypeID) String() string {
	return t.Service + ":" + t.Entity
}

// WithService returns the same entity under a different owning service.
// Used by the rename table when a service is split or renamed.
func (t TypeID) WithService(service string) TypeID {
	return TypeID{Service: service, Entity: t.Entity}
}
