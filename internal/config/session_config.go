package config

import "time"

type SessionConfig interface {
	GetLoginTimeout() time.Duration
	GetValidateTimeout() time.Duration
	GetRefreshTimeout() time.Duration
	GetLogoutTimeout() time.Duration
	GetProfileTimeout() time.Duration
	GetRefreshThreshold() time.Duration
	GetCheckInterval() time.Duration
	GetRefreshCooldown() time.Duration
}

// Session carries the timing policy for the session lifecycle. Login is the
// longest call (Keycloak round trips through the facade), logout the
// shortest (best-effort notification only).
type Session struct{}

var _ SessionConfig = Session{}

func (Session) GetLoginTimeout() time.Duration {
	return 30 * time.Second
}

func (Session) GetValidateTimeout() time.Duration {
	return 30 * time.Second
}

func (Session) GetRefreshTimeout() time.Duration {
	return 15 * time.Second
}

func (Session) GetLogoutTimeout() time.Duration {
	return 5 * time.Second
}

func (Session) GetProfileTimeout() time.Duration {
	return 30 * time.Second
}

// GetRefreshThreshold is the remaining token lifetime below which a
// proactive refresh is attempted.
func (Session) GetRefreshThreshold() time.Duration {
	return 5 * time.Minute
}

func (Session) GetCheckInterval() time.Duration {
	return 2 * time.Minute
}

// GetRefreshCooldown is how long a completed refresh result keeps being
// served to late-arriving callers before a new network call is allowed.
func (Session) GetRefreshCooldown() time.Duration {
	return 500 * time.Millisecond
}
