// Package users normalizes Keycloak-shaped user records and administers
// student accounts through the platform facade.
package users

import (
	"github.com/agroup/go-aula-client/internal/utils"
	"github.com/agroup/go-aula-client/token"
)

// Profile is the canonical display record used across the client. The
// backend mixes top-level fields, Keycloak "attributes" arrays and several
// key spellings; everything funnels through Normalize.
type Profile struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Gender    string `json:"gender,omitempty"`
	Birthdate string `json:"birthdate,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
	Enabled   bool   `json:"enabled,omitempty"`
}

// alternates lists the other key spellings each attribute is known to
// arrive under.
var alternates = map[string][]string{
	"phone_number": {"phone", "phoneNumber"},
	"gender":       {"género"},
	"birth_date":   {"birthdate", "birthDate", "fecha_nacimiento"},
	"created_by":   {"createdBy", "professorId", "professor_id"},
	"firstName":    {"given_name"},
	"lastName":     {"family_name"},
}

// AttributeValue extracts one attribute from a raw user record, checking a
// direct top-level field, the nested "attributes" map (values may be
// single-element arrays or scalars) and the known alternate spellings.
func AttributeValue(raw map[string]any, name string) string {
	keys := append([]string{name}, alternates[name]...)

	for _, key := range keys {
		if v, ok := raw[key].(string); ok && v != "" {
			return v
		}
	}

	attributes, ok := raw["attributes"].(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range keys {
		switch attr := attributes[key].(type) {
		case string:
			if attr != "" {
				return attr
			}
		case []any:
			if values := utils.ToStringSlice(attr); len(values) > 0 && values[0] != "" {
				return values[0]
			}
		}
	}
	return ""
}

// Normalize converts a raw backend user record into a Profile.
func Normalize(raw map[string]any) Profile {
	if raw == nil {
		return Profile{}
	}
	id, _ := raw["id"].(string)
	email, _ := raw["email"].(string)
	username, _ := raw["username"].(string)
	enabled, ok := raw["enabled"].(bool)
	if !ok {
		enabled = true
	}
	return Profile{
		ID:        id,
		Email:     email,
		Username:  username,
		FirstName: AttributeValue(raw, "firstName"),
		LastName:  AttributeValue(raw, "lastName"),
		Phone:     AttributeValue(raw, "phone_number"),
		Gender:    AttributeValue(raw, "gender"),
		Birthdate: AttributeValue(raw, "birth_date"),
		CreatedBy: AttributeValue(raw, "created_by"),
		Enabled:   enabled,
	}
}

// FromClaims builds a minimal profile from token claims, the fallback used
// when the profile endpoint is unreachable.
func FromClaims(c *token.Claims) Profile {
	if c == nil {
		return Profile{}
	}
	return Profile{
		Email:     utils.FirstNonEmpty(c.Email, c.Sub),
		Username:  utils.FirstNonEmpty(c.PreferredUsername, c.Email),
		FirstName: c.GivenName,
		LastName:  c.FamilyName,
		Phone:     c.PhoneNumber,
		Gender:    c.Gender,
		Birthdate: c.Birthdate,
		CreatedBy: c.CreatedBy,
		Enabled:   true,
	}
}
