package token

import (
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/agroup/go-aula-client/internal/utils"
)

// Claims is the decoded payload of an access token. Decoding never verifies
// the signature: the client has no public key and all real authorization is
// enforced server-side, so claims are a UI hint only.
type Claims struct {
	Exp int64 // Expiration (unix seconds)
	Iat int64 // Issued at (unix seconds)
	Sub string
	Jti string

	// Role claim locations, kept separate so the resolver can merge them.
	ClientRoles map[string][]string // resource_access.<client>.roles
	RealmRoles  []string            // realm_access.roles
	Role        string              // bare "role" field
	Roles       []string            // bare "roles" array

	// Profile claims.
	Email             string
	PreferredUsername string
	Name              string
	GivenName         string
	FamilyName        string
	PhoneNumber       string
	Gender            string
	Birthdate         string
	CreatedBy         string
}

// Decode parses the claims segment of a three-part token. It returns false
// for anything structurally malformed (wrong segment count, bad base64, bad
// JSON) so callers can fall back to cached values instead of failing.
func Decode(rawToken string) (*Claims, bool) {
	rawToken = strings.TrimSpace(strings.TrimPrefix(rawToken, "Bearer "))
	if rawToken == "" {
		return nil, false
	}

	mapClaims, ok := parseUnverified(rawToken)
	if !ok {
		return nil, false
	}

	claims := &Claims{
		ClientRoles: map[string][]string{},
	}

	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.Exp = int64(exp)
	}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.Iat = int64(iat)
	}
	claims.Sub, _ = mapClaims["sub"].(string)
	claims.Jti, _ = mapClaims["jti"].(string)

	// Roles can live in any of three places depending on how the realm is
	// configured, so collect them all.
	if resourceAccess, ok := mapClaims["resource_access"].(map[string]any); ok {
		for clientID, clientEntry := range resourceAccess {
			entry, ok := clientEntry.(map[string]any)
			if !ok {
				continue
			}
			if clientRoles, ok := entry["roles"].([]any); ok {
				claims.ClientRoles[clientID] = utils.ToStringSlice(clientRoles)
			}
		}
	}
	if realmAccess, ok := mapClaims["realm_access"].(map[string]any); ok {
		if realmRoles, ok := realmAccess["roles"].([]any); ok {
			claims.RealmRoles = utils.ToStringSlice(realmRoles)
		}
	}
	claims.Role, _ = mapClaims["role"].(string)
	if roles, ok := mapClaims["roles"].([]any); ok {
		claims.Roles = utils.ToStringSlice(roles)
	}

	claims.Email, _ = mapClaims["email"].(string)
	claims.PreferredUsername, _ = mapClaims["preferred_username"].(string)
	claims.Name, _ = mapClaims["name"].(string)
	claims.GivenName, _ = mapClaims["given_name"].(string)
	claims.FamilyName, _ = mapClaims["family_name"].(string)
	claims.PhoneNumber = claimValue(mapClaims, "phone_number", "phone", "phoneNumber")
	claims.Gender = claimValue(mapClaims, "gender")
	claims.Birthdate = claimValue(mapClaims, "birthdate", "birth_date", "birthDate")
	claims.CreatedBy = claimValue(mapClaims, "created_by", "createdBy")

	return claims, true
}

// parseUnverified decodes without signature verification. Tokens that went
// through a standard base64 encoder somewhere ("+"/"/" instead of "-"/"_")
// are normalised and retried.
func parseUnverified(rawToken string) (jwtlib.MapClaims, bool) {
	parser := jwtlib.NewParser()

	parsed, _, err := parser.ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		parsed, _, err = parser.ParseUnverified(normalizeSegments(rawToken), jwtlib.MapClaims{})
		if err != nil {
			return nil, false
		}
	}

	mapClaims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, false
	}
	return mapClaims, true
}

func normalizeSegments(rawToken string) string {
	segments := strings.Split(rawToken, ".")
	for i, segment := range segments {
		segment = strings.ReplaceAll(segment, "+", "-")
		segment = strings.ReplaceAll(segment, "/", "_")
		segments[i] = strings.TrimRight(segment, "=")
	}
	return strings.Join(segments, ".")
}

// claimValue checks a top-level field, then a nested "attributes" map of
// single-element arrays, for each of the given key spellings.
func claimValue(mapClaims jwtlib.MapClaims, keys ...string) string {
	for _, key := range keys {
		if v, ok := mapClaims[key].(string); ok && v != "" {
			return v
		}
	}
	attributes, ok := mapClaims["attributes"].(map[string]any)
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
			if values := utils.ToStringSlice(attr); len(values) > 0 {
				return values[0]
			}
		}
	}
	return ""
}

// AllRoles merges every role claim location into one candidate set.
func (c *Claims) AllRoles() []string {
	var all []string
	for _, clientRoles := range c.ClientRoles {
		all = append(all, clientRoles...)
	}
	all = append(all, c.RealmRoles...)
	if c.Role != "" {
		all = append(all, c.Role)
	}
	all = append(all, c.Roles...)
	return all
}

// ExpiresAt returns the token expiry, zero if the claim is absent.
func (c *Claims) ExpiresAt() time.Time {
	if c.Exp == 0 {
		return time.Time{}
	}
	return time.Unix(c.Exp, 0)
}

// ExpiredAt reports whether the token is expired at the given instant.
// A token whose exp equals now is already expired.
func (c *Claims) ExpiredAt(now time.Time) bool {
	return c.Exp == 0 || c.Exp <= now.Unix()
}

// RemainingAt returns the token lifetime left at the given instant.
func (c *Claims) RemainingAt(now time.Time) time.Duration {
	if c.ExpiredAt(now) {
		return 0
	}
	return time.Duration(c.Exp-now.Unix()) * time.Second
}
