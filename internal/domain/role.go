package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is the closed set of subject roles. Authorization checkpoints switch
// over every value so adding a role is a compile-visible change.
type Role uint8

const (
	roleUnknown Role = iota
	RoleCustomer
	RolePartner
	RoleAdmin
)

// Roles lists every valid role.
var Roles = []Role{RoleCustomer, RolePartner, RoleAdmin}

// String returns the wire name. Delivery partners are "delivery".
func (r Role) String() string {
	switch r {
	case RoleCustomer:
		return "customer"
	case RolePartner:
		return "delivery"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RolePartner || r == RoleAdmin
}

// ParseRole maps a wire name to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "customer":
		return RoleCustomer, nil
	case "delivery", "partner":
		return RolePartner, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return roleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalJSON encodes the role by name.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a role name.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalYAML encodes the role by name.
func (r Role) MarshalYAML() (any, error) {
	return r.String(), nil
}

// UnmarshalYAML decodes a role name.
func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*r = parsed
	return nil
}
