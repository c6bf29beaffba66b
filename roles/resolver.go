package roles

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/agroup/go-aula-client/token"
)

// Source records how a role was resolved, so consumers and tests can tell
// confident resolution apart from guesswork.
type Source string

const (
	SourceOverride  Source = "override"
	SourceCache     Source = "cache"
	SourceClaims    Source = "claims"
	SourceHeuristic Source = "heuristic"
	SourceDefault   Source = "default"
)

type Resolution struct {
	Role   Role
	Source Source
	// Conflict is set when the candidate set named both canonical roles at
	// once. Profesor wins, but the situation points at a misconfigured
	// realm and is worth surfacing.
	Conflict bool
}

// Cache is the slice of the token store the resolver reads and writes.
type Cache interface {
	Role() (string, bool)
	SetRole(role string) error
	ForcedRole() (string, bool)
}

// Resolver produces exactly one canonical role from potentially conflicting
// signals: developer override, cached value, token claims, then heuristics.
type Resolver struct {
	cache         Cache
	allowOverride bool
	log           zerolog.Logger
}

type ResolverOption func(*Resolver)

// WithOverrideAllowed enables the forced-role override. Production builds
// leave it off.
func WithOverrideAllowed(allowed bool) ResolverOption {
	return func(r *Resolver) {
		r.allowOverride = allowed
	}
}

func WithLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.log = log
	}
}

func NewResolver(cache Cache, options ...ResolverOption) *Resolver {
	resolver := &Resolver{
		cache: cache,
		log:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(resolver)
	}
	return resolver
}

// Resolve walks the priority order: override, cache, claims, email
// heuristic, default. The first match wins. Anything derived (not read from
// override or cache) is written back to the cache so the next resolution
// takes the fast path; claims stay re-derivable if the cache is cleared
// independently.
func (r *Resolver) Resolve(claims *token.Claims) Resolution {
	if r.allowOverride {
		if forced, ok := r.cache.ForcedRole(); ok {
			if role, valid := Normalize(forced); valid {
				return Resolution{Role: role, Source: SourceOverride}
			}
		}
	}

	if cached, ok := r.cache.Role(); ok {
		if role, valid := Normalize(cached); valid {
			return Resolution{Role: role, Source: SourceCache}
		}
	}

	resolution := r.FromClaims(claims)
	r.writeBack(resolution)
	return resolution
}

// FromClaims derives the role from token claims alone, skipping override
// and cache. Used after a refresh delivers a token with changed claims.
func (r *Resolver) FromClaims(claims *token.Claims) Resolution {
	if claims != nil {
		hasProfesor, hasAlumno := matchSet(claims.AllRoles())
		if hasProfesor && hasAlumno {
			r.log.Warn().Msg("token claims name both profesor and alumno roles, realm is likely misconfigured")
			return Resolution{Role: Profesor, Source: SourceClaims, Conflict: true}
		}
		if hasProfesor {
			return Resolution{Role: Profesor, Source: SourceClaims}
		}
		if hasAlumno {
			return Resolution{Role: Alumno, Source: SourceClaims}
		}

		if role, ok := emailHeuristic(claims.Email); ok {
			r.log.Warn().Str("role", string(role)).Msg("role guessed from email substring, resolution is unreliable")
			return Resolution{Role: role, Source: SourceHeuristic}
		}
	}

	return Resolution{Role: Default, Source: SourceDefault}
}

// ResolveAndCache derives from claims and updates the cache regardless of
// what it held before. Used when a new token replaces the old one.
func (r *Resolver) ResolveAndCache(claims *token.Claims) Resolution {
	resolution := r.FromClaims(claims)
	r.writeBack(resolution)
	return resolution
}

func (r *Resolver) writeBack(resolution Resolution) {
	if err := r.cache.SetRole(string(resolution.Role)); err != nil {
		r.log.Warn().Err(err).Msg("could not cache resolved role")
	}
}

// emailHeuristic is the last resort before the default: substrings in the
// profile email that suggest a role.
func emailHeuristic(email string) (Role, bool) {
	if email == "" {
		return "", false
	}
	lowered := strings.ToLower(email)
	if strings.Contains(lowered, "prof") || strings.Contains(lowered, "teach") || strings.Contains(lowered, "admin") {
		return Profesor, true
	}
	if strings.Contains(lowered, "student") || strings.Contains(lowered, "alumn") {
		return Alumno, true
	}
	return "", false
}
