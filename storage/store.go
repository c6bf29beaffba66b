// Package storage persists session fields (tokens, expiry, cached role and
// profile) across process restarts. It is a client-side cache, not a vault:
// values are stored in the clear in the user's profile directory.
package storage

import (
	"strconv"

	"github.com/pkg/errors"
)

// Keys used in the backing store. Each is independently readable and
// removable; reading an absent key is never an error.
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refreshToken"
	KeySessionExp   = "session_expiry"
	KeyUserRole     = "userRole"
	KeyUserProfile  = "userProfile"
	KeyForcedRole   = "forcedRole"
)

// sessionKeys are the keys removed by ClearAll. The forced role override is
// deliberately excluded: it is debug configuration, not session state.
var sessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeySessionExp, KeyUserRole, KeyUserProfile}

// Backend is the durable key-value layer underneath a Store. Get treats an
// absent key (and any read failure) as not-found. Update applies all writes
// and deletes as one atomic batch.
type Backend interface {
	Get(key string) (string, bool)
	Update(set map[string]string, del []string) error
	Close() error
}

// Store exposes the typed session-field operations over any Backend. It
// does not interpret tokens; decoding belongs to the token package.
type Store struct {
	backend Backend
}

func New(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) AccessToken() (string, bool) {
	return s.backend.Get(KeyAccessToken)
}

func (s *Store) SetAccessToken(tok string) error {
	if tok == "" {
		return errors.New("[Store.SetAccessToken] empty token")
	}
	return s.backend.Update(map[string]string{KeyAccessToken: tok}, nil)
}

func (s *Store) RefreshToken() (string, bool) {
	return s.backend.Get(KeyRefreshToken)
}

// SetRefreshToken stores the refresh token. A nil value deletes the key.
func (s *Store) SetRefreshToken(tok *string) error {
	if tok == nil {
		return s.backend.Update(nil, []string{KeyRefreshToken})
	}
	return s.backend.Update(map[string]string{KeyRefreshToken: *tok}, nil)
}

func (s *Store) Expiry() (int64, bool) {
	raw, ok := s.backend.Get(KeySessionExp)
	if !ok {
		return 0, false
	}
	exp, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return exp, true
}

func (s *Store) SetExpiry(exp int64) error {
	return s.backend.Update(map[string]string{KeySessionExp: strconv.FormatInt(exp, 10)}, nil)
}

// SetTokens overwrites access token, refresh token and expiry as one atomic
// group so no reader observes a fresh token next to a stale expiry. A nil
// refresh token leaves the stored one untouched (the provider did not
// rotate it); a zero expiry deletes the stored one rather than keeping a
// stale value.
func (s *Store) SetTokens(access string, refresh *string, exp int64) error {
	if access == "" {
		return errors.New("[Store.SetTokens] empty access token")
	}
	set := map[string]string{KeyAccessToken: access}
	var del []string
	if refresh != nil {
		set[KeyRefreshToken] = *refresh
	}
	if exp != 0 {
		set[KeySessionExp] = strconv.FormatInt(exp, 10)
	} else {
		del = append(del, KeySessionExp)
	}
	return s.backend.Update(set, del)
}

func (s *Store) Role() (string, bool) {
	return s.backend.Get(KeyUserRole)
}

func (s *Store) SetRole(role string) error {
	return s.backend.Update(map[string]string{KeyUserRole: role}, nil)
}

// ForcedRole is the developer override consulted by the role resolver. It
// is only ever set by hand or by tests.
func (s *Store) ForcedRole() (string, bool) {
	return s.backend.Get(KeyForcedRole)
}

func (s *Store) SetForcedRole(role *string) error {
	if role == nil {
		return s.backend.Update(nil, []string{KeyForcedRole})
	}
	return s.backend.Update(map[string]string{KeyForcedRole: *role}, nil)
}

// Profile stores the serialized profile record as-is.
func (s *Store) Profile() (string, bool) {
	return s.backend.Get(KeyUserProfile)
}

func (s *Store) SetProfile(serialized string) error {
	return s.backend.Update(map[string]string{KeyUserProfile: serialized}, nil)
}

// ClearAll removes every session key in one batch. Either all keys are gone
// or the error is surfaced; there is no half-cleared success path.
func (s *Store) ClearAll() error {
	if err := s.backend.Update(nil, sessionKeys); err != nil {
		return errors.Wrap(err, "[Store.ClearAll] backend update")
	}
	return nil
}

// VerifyPersisted reports whether at least one of the access and refresh
// tokens survived the last write. Catches silently failing storage.
func (s *Store) VerifyPersisted() bool {
	_, hasAccess := s.AccessToken()
	_, hasRefresh := s.RefreshToken()
	return hasAccess || hasRefresh
}

func (s *Store) Close() error {
	return s.backend.Close()
}
