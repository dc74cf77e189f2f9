package datamodel

import (
	"fmt"
	"strings"
)

const urnPrefix = "urn:mh:"

// Urn identifies one entity instance. It is immutable once created and
// compared by value. The wire form is urn:mh:<entityType>:<key>.
type Urn struct {
	EntityType string
	Key        string
}

func NewUrn(entityType, key string) Urn {
	return Urn{EntityType: entityType, Key: key}
}

// ParseUrn parses the wire form of an urn. The key part may itself contain
// colons (structured keys), only the first three segments are positional.
func ParseUrn(s string) (Urn, error) {
	if !strings.HasPrefix(s, urnPrefix) {
		return Urn{}, fmt.Errorf("invalid urn %q: missing %q prefix", s, urnPrefix)
	}
	rest := s[len(urnPrefix):]
	idx := strings.IndexRune(rest, ':')
	if idx <= 0 || idx == len(rest)-1 {
		return Urn{}, fmt.Errorf("invalid urn %q: expected urn:mh:<entityType>:<key>", s)
	}
	return Urn{EntityType: rest[:idx], Key: rest[idx+1:]}, nil
}

func (u Urn) String() string {
	return urnPrefix + u.EntityType + ":" + u.Key
}

func (u Urn) IsZero() bool {
	return u.EntityType == "" && u.Key == ""
}

func (u Urn) Validate() error {
	if u.EntityType == "" {
		return fmt.Errorf("urn has empty entity type")
	}
	if u.Key == "" {
		return fmt.Errorf("urn has empty key")
	}
	if strings.ContainsAny(u.EntityType, ": ") {
		return fmt.Errorf("urn entity type %q contains illegal characters", u.EntityType)
	}
	return nil
}

func (u Urn) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Urn) UnmarshalText(data []byte) error {
	parsed, err := ParseUrn(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
