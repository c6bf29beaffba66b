package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/agroup/go-aula-client/idp"
	"github.com/agroup/go-aula-client/internal/utils"
	"github.com/agroup/go-aula-client/roles"
	"github.com/agroup/go-aula-client/storage"
	"github.com/agroup/go-aula-client/token"
	"github.com/agroup/go-aula-client/users"
)

// Provider is the identity provider surface the coordinator depends on;
// *idp.Client satisfies it.
type Provider interface {
	Login(ctx context.Context, req idp.LoginRequest) (*idp.TokenResponse, error)
	Validate(ctx context.Context, accessToken string) (*idp.ValidateResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*idp.TokenResponse, error)
	Logout(ctx context.Context, accessToken string) error
	Profile(ctx context.Context, accessToken string) (map[string]any, error)
	UpdateProfile(ctx context.Context, accessToken string, update any) error
	ChangePassword(ctx context.Context, accessToken string, change idp.PasswordChange) error
}

// Throttle is the hook for a login failure-count/backoff policy. The policy
// itself lives with the UI; the coordinator only reports outcomes. An OTP
// continuation reports neither.
type Throttle interface {
	Reset()
	Failure()
}

// Coordinator is the stateful core. It is the only writer of session state;
// there is no parallelism to guard against beyond interleaved goroutines,
// so one mutex over the snapshot plus the single-flight refresh handle is
// the whole locking story. Multiple coordinators over one store (several
// processes) are not coordinated beyond storage change notifications.
type Coordinator struct {
	provider Provider
	store    *storage.Store
	resolver *roles.Resolver
	log      zerolog.Logger
	nowTime  func() time.Time
	throttle Throttle

	refreshThreshold time.Duration
	checkInterval    time.Duration
	refreshCooldown  time.Duration

	mu        sync.Mutex
	status    Status
	validated bool
	role      roles.Role
	profile   *users.Profile
	lastError *Error

	// Single-flight refresh: concurrent callers share one network call,
	// and the settled outcome keeps being served for a short cooldown
	// window to absorb bursts arriving just after resolution.
	flight        singleflight.Group
	settledMu     sync.Mutex
	settledAt     time.Time
	settledResult *idp.TokenResponse
	settledErr    error

	loggingOut atomic.Bool
}

type CoordinatorOption func(*Coordinator)

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.nowTime = nowFunc
	}
}

func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

func WithThrottle(throttle Throttle) CoordinatorOption {
	return func(c *Coordinator) {
		c.throttle = throttle
	}
}

// WithRefreshThreshold sets the remaining lifetime below which tokens are
// refreshed ahead of use.
func WithRefreshThreshold(threshold time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.refreshThreshold = threshold
	}
}

func WithCheckInterval(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.checkInterval = interval
	}
}

func WithRefreshCooldown(cooldown time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.refreshCooldown = cooldown
	}
}

func NewCoordinator(provider Provider, store *storage.Store, resolver *roles.Resolver, options ...CoordinatorOption) (*Coordinator, error) {
	if provider == nil {
		return nil, errors.New("[NewCoordinator] provider is required")
	}
	if store == nil {
		return nil, errors.New("[NewCoordinator] store is required")
	}
	if resolver == nil {
		return nil, errors.New("[NewCoordinator] resolver is required")
	}

	coordinator := &Coordinator{
		provider:         provider,
		store:            store,
		resolver:         resolver,
		log:              zerolog.Nop(),
		nowTime:          time.Now,
		refreshThreshold: 5 * time.Minute,
		checkInterval:    2 * time.Minute,
		refreshCooldown:  500 * time.Millisecond,
		status:           StatusUnknown,
	}
	for _, opt := range options {
		opt(coordinator)
	}
	return coordinator, nil
}

// Snapshot returns the consumer-facing view of the session.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var profile *users.Profile
	if c.profile != nil {
		copied := *c.profile
		profile = &copied
	}
	return Snapshot{
		Status:          c.status,
		IsAuthenticated: c.status == StatusAuthenticated,
		IsLoading:       c.status == StatusAuthenticating,
		Validated:       c.validated,
		Role:            c.role,
		Profile:         profile,
		LastError:       c.lastError,
	}
}

// Restore rebuilds session state from persisted tokens on startup. A
// present token makes the session optimistically authenticated; Validate
// refines that against the provider.
func (c *Coordinator) Restore() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	accessToken, ok := c.store.AccessToken()
	if !ok {
		c.status = StatusUnauthenticated
		return c.snapshotLocked()
	}

	claims, _ := token.Decode(accessToken)
	resolution := c.resolver.Resolve(claims)
	c.role = resolution.Role
	c.profile = c.loadStoredProfile(claims)
	c.status = StatusAuthenticated
	c.validated = false
	return c.snapshotLocked()
}

// Login authenticates against the provider. A failed login never mutates
// previously existing session state: an authenticated session survives a
// bad relogin attempt untouched, and the OTP continuation outcome does not
// count as a failure.
func (c *Coordinator) Login(ctx context.Context, username, password, otp string) (*idp.TokenResponse, error) {
	c.mu.Lock()
	previousStatus := c.status
	c.status = StatusAuthenticating
	c.mu.Unlock()

	restore := func(classified *Error) {
		c.mu.Lock()
		c.status = previousStatus
		c.lastError = classified
		c.mu.Unlock()
	}

	response, err := c.provider.Login(ctx, idp.LoginRequest{
		Username: username,
		Password: password,
		OTP:      otp,
	})
	if err != nil {
		classified := classifyLogin(err, otp != "")
		switch classified.Kind {
		case KindOTPRequired:
			// Continuation: the caller re-invokes with the code. No
			// failure accounting, no backoff penalty.
			c.log.Info().Str("user", username).Msg("login requires one-time code")
			restore(nil)
		case KindNetwork:
			c.log.Warn().Err(err).Msg("login failed on the network")
			restore(classified)
		default:
			c.log.Warn().Str("kind", string(classified.Kind)).Msg("login rejected")
			c.reportFailure()
			restore(classified)
		}
		return nil, classified
	}

	bearer := response.Bearer()
	if bearer == "" {
		// A 2xx without a token field must not authenticate anything.
		classified := newError(KindNetwork, errors.New("login response carried no token"))
		c.log.Error().Msg("login response lacked token and access_token fields")
		restore(classified)
		return nil, classified
	}

	claims, _ := token.Decode(bearer)
	if err := c.persistTokens(bearer, response, claims); err != nil {
		classified := newError(KindStorage, err)
		c.log.Error().Err(err).Msg("login succeeded but tokens could not be persisted")
		restore(classified)
		return nil, classified
	}

	resolution := c.resolver.ResolveAndCache(claims)
	profile := c.buildProfile(response.User, claims)
	c.storeProfile(profile)

	c.mu.Lock()
	c.status = StatusAuthenticated
	c.validated = true
	c.role = resolution.Role
	c.profile = &profile
	c.lastError = nil
	c.mu.Unlock()

	c.reportReset()
	c.log.Info().Str("role", string(resolution.Role)).Msg("login successful")
	return response, nil
}

// Validate confirms the current token with the provider. When the token is
// near expiry a refresh is attempted first, best-effort: validation
// proceeds whether or not it worked. Transient failures never evict the
// session; only an explicit 401/403 does.
func (c *Coordinator) Validate(ctx context.Context) (*idp.ValidateResponse, error) {
	accessToken, ok := c.store.AccessToken()
	if !ok {
		c.mu.Lock()
		c.status = StatusUnauthenticated
		c.mu.Unlock()
		return nil, newError(KindTokenInvalid, errors.New("no access token present"))
	}

	if c.needsRefresh() {
		if _, err := c.RefreshToken(ctx); err != nil {
			c.log.Warn().Err(err).Msg("pre-validation refresh failed, validating current token anyway")
		}
		if refreshed, ok := c.store.AccessToken(); ok {
			accessToken = refreshed
		}
	}

	response, err := c.provider.Validate(ctx, accessToken)
	if err != nil {
		classified := classifyAuthorized(err)
		if classified.Kind == KindTokenInvalid {
			c.log.Error().Err(err).Msg("token rejected by provider, tearing session down")
			c.teardown(classified)
			return nil, classified
		}
		// Flaky network must never silently log the user out.
		c.log.Warn().Err(err).Msg("validation unreachable, keeping session")
		c.mu.Lock()
		c.validated = false
		c.lastError = classified
		c.mu.Unlock()
		return nil, classified
	}

	if response.Exp != 0 {
		if stored, ok := c.store.Expiry(); !ok || response.Exp > stored {
			if err := c.store.SetExpiry(response.Exp); err != nil {
				c.log.Warn().Err(err).Msg("could not persist refreshed expiry")
			}
		}
	}

	c.mu.Lock()
	c.status = StatusAuthenticated
	c.validated = true
	c.lastError = nil
	c.mu.Unlock()
	return response, nil
}

// RefreshToken exchanges the refresh token for new credentials. Concurrent
// callers share a single network call and all observe the identical
// outcome; the settled outcome keeps being served for a short cooldown
// window after completion.
//
// A missing refresh token is its own non-retryable outcome and leaves the
// access token in place. A 401/403 is terminal and clears all session data.
// Anything else leaves state exactly as it was.
func (c *Coordinator) RefreshToken(ctx context.Context) (*idp.TokenResponse, error) {
	if response, err, ok := c.settledOutcome(); ok {
		return response, err
	}

	result, err, _ := c.flight.Do("refresh", func() (any, error) {
		response, err := c.doRefresh(ctx)
		c.settle(response, err)
		if err != nil {
			return nil, err
		}
		return response, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*idp.TokenResponse), nil
}

func (c *Coordinator) doRefresh(ctx context.Context) (*idp.TokenResponse, error) {
	refreshToken, ok := c.store.RefreshToken()
	if !ok {
		c.log.Warn().Msg("refresh requested without a stored refresh token")
		return nil, newError(KindNoRefreshToken, errors.New("no refresh token available"))
	}

	response, err := c.provider.Refresh(ctx, refreshToken)
	if err != nil {
		classified := classifyAuthorized(err)
		if classified.Kind == KindTokenInvalid {
			c.log.Error().Err(err).Msg("refresh token rejected, tearing session down")
			c.teardown(classified)
			return nil, classified
		}
		c.log.Warn().Err(err).Msg("refresh failed transiently, session unchanged")
		return nil, classified
	}

	bearer := response.Bearer()
	if bearer == "" {
		return nil, newError(KindNetwork, errors.New("refresh response carried no token"))
	}

	claims, _ := token.Decode(bearer)
	if err := c.persistTokens(bearer, response, claims); err != nil {
		return nil, newError(KindStorage, err)
	}

	// Role and profile stay as they are unless the new token's claims say
	// otherwise.
	c.mu.Lock()
	previousRole := c.role
	c.mu.Unlock()

	resolution := c.resolver.FromClaims(claims)
	if resolution.Role != previousRole {
		c.log.Info().Str("from", string(previousRole)).Str("to", string(resolution.Role)).Msg("role changed on refresh")
		resolution = c.resolver.ResolveAndCache(claims)
	}

	c.mu.Lock()
	c.status = StatusAuthenticated
	c.role = resolution.Role
	c.lastError = nil
	if response.User != nil {
		profile := c.buildProfile(response.User, claims)
		c.profile = &profile
	}
	c.mu.Unlock()

	c.log.Debug().Msg("token refreshed")
	return response, nil
}

// settledOutcome serves the previous refresh result while the cooldown
// window is open, so bursts of callers arriving just after resolution do
// not start a second network call.
func (c *Coordinator) settledOutcome() (*idp.TokenResponse, error, bool) {
	c.settledMu.Lock()
	defer c.settledMu.Unlock()
	if c.settledAt.IsZero() || c.nowTime().Sub(c.settledAt) >= c.refreshCooldown {
		return nil, nil, false
	}
	return c.settledResult, c.settledErr, true
}

func (c *Coordinator) settle(response *idp.TokenResponse, err error) {
	c.settledMu.Lock()
	defer c.settledMu.Unlock()
	c.settledAt = c.nowTime()
	c.settledResult = response
	c.settledErr = err
}

// Logout clears local session state first and unconditionally; notifying
// the provider afterwards is best-effort and its outcome cannot roll the
// local clear back. Concurrent calls collapse into one.
func (c *Coordinator) Logout(ctx context.Context) error {
	if !c.loggingOut.CompareAndSwap(false, true) {
		c.log.Debug().Msg("logout already in progress")
		return nil
	}
	defer c.loggingOut.Store(false)

	accessToken, hadToken := c.store.AccessToken()

	clearErr := c.store.ClearAll()
	c.mu.Lock()
	c.status = StatusUnauthenticated
	c.validated = false
	c.role = ""
	c.profile = nil
	c.lastError = nil
	c.mu.Unlock()
	c.reportReset()

	if hadToken {
		if err := c.provider.Logout(ctx, accessToken); err != nil {
			c.log.Warn().Err(err).Msg("server logout notification failed, local session already cleared")
		}
	}

	if clearErr != nil {
		c.log.Error().Err(clearErr).Msg("session keys could not be fully cleared")
		return newError(KindStorage, clearErr)
	}
	c.log.Info().Msg("logged out")
	return nil
}

// RefreshSession is the consumer-facing alias of RefreshToken.
func (c *Coordinator) RefreshSession(ctx context.Context) (*idp.TokenResponse, error) {
	return c.RefreshToken(ctx)
}

// ValidateSession is the consumer-facing alias of Validate.
func (c *Coordinator) ValidateSession(ctx context.Context) (*idp.ValidateResponse, error) {
	return c.Validate(ctx)
}

// FetchProfile loads the profile from the provider, falling back to a
// minimal record built from token claims when the endpoint is unreachable.
func (c *Coordinator) FetchProfile(ctx context.Context) (*users.Profile, error) {
	accessToken, ok := c.store.AccessToken()
	if !ok {
		return nil, newError(KindTokenInvalid, errors.New("no access token present"))
	}

	raw, err := c.provider.Profile(ctx, accessToken)
	if err != nil {
		claims, decoded := token.Decode(accessToken)
		if !decoded {
			return nil, classifyAuthorized(err)
		}
		c.log.Warn().Err(err).Msg("profile endpoint failed, falling back to token claims")
		fallback := users.FromClaims(claims)
		c.setProfile(&fallback)
		return &fallback, nil
	}

	profile := users.Normalize(raw)
	c.storeProfile(profile)
	c.setProfile(&profile)
	return &profile, nil
}

// UpdateProfile pushes editable profile fields to the provider and, on
// success, replaces the cached profile. Failures are classified but never
// tear the session down; a profile edit is not a credential check.
func (c *Coordinator) UpdateProfile(ctx context.Context, profile users.Profile) error {
	accessToken, ok := c.store.AccessToken()
	if !ok {
		return newError(KindTokenInvalid, errors.New("no access token present"))
	}

	if err := c.provider.UpdateProfile(ctx, accessToken, users.FormatProfileUpdate(profile)); err != nil {
		c.log.Warn().Err(err).Msg("profile update rejected")
		return classifyAuthorized(err)
	}

	c.storeProfile(profile)
	c.setProfile(&profile)
	c.log.Info().Msg("profile updated")
	return nil
}

// ChangePassword submits a password change for the logged-in user. The
// provider re-checks the old password; a 401 here means that check failed,
// not that the session token is bad, so nothing is torn down.
func (c *Coordinator) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	accessToken, ok := c.store.AccessToken()
	if !ok {
		return newError(KindTokenInvalid, errors.New("no access token present"))
	}

	err := c.provider.ChangePassword(ctx, accessToken, idp.PasswordChange{
		OldPassword: oldPassword,
		NewPassword: newPassword,
	})
	if err != nil {
		var statusErr *idp.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 401 {
			return newError(KindCredentials, err)
		}
		return classifyAuthorized(err)
	}
	c.log.Info().Msg("password changed")
	return nil
}

// teardown destroys the session after a terminal failure.
func (c *Coordinator) teardown(classified *Error) {
	if err := c.store.ClearAll(); err != nil {
		c.log.Error().Err(err).Msg("could not clear session keys during teardown")
	}
	c.mu.Lock()
	c.status = StatusUnauthenticated
	c.validated = false
	c.role = ""
	c.profile = nil
	c.lastError = classified
	c.mu.Unlock()
}

// persistTokens writes the new credentials as one atomic group and verifies
// they actually landed. Expiry comes from the response when present, from
// the token's own claims otherwise; the previous value is always
// overwritten, never merged.
func (c *Coordinator) persistTokens(bearer string, response *idp.TokenResponse, claims *token.Claims) error {
	exp := response.Exp
	if exp == 0 && claims != nil {
		exp = claims.Exp
	}
	var rotated *string
	if response.RefreshToken != "" {
		rotated = utils.Ptr(response.RefreshToken)
	}
	if err := c.store.SetTokens(bearer, rotated, exp); err != nil {
		return errors.Wrap(err, "[Coordinator.persistTokens] store tokens")
	}
	if !c.store.VerifyPersisted() {
		return errors.New("[Coordinator.persistTokens] tokens not found after write")
	}
	return nil
}

func (c *Coordinator) buildProfile(rawUser map[string]any, claims *token.Claims) users.Profile {
	if rawUser != nil {
		return users.Normalize(rawUser)
	}
	return users.FromClaims(claims)
}

func (c *Coordinator) storeProfile(profile users.Profile) {
	serialized, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := c.store.SetProfile(string(serialized)); err != nil {
		c.log.Warn().Err(err).Msg("could not cache profile")
	}
}

func (c *Coordinator) loadStoredProfile(claims *token.Claims) *users.Profile {
	if serialized, ok := c.store.Profile(); ok {
		var profile users.Profile
		if err := json.Unmarshal([]byte(serialized), &profile); err == nil {
			return &profile
		}
	}
	if claims != nil {
		profile := users.FromClaims(claims)
		return &profile
	}
	return nil
}

func (c *Coordinator) setProfile(profile *users.Profile) {
	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()
}

// snapshotLocked assumes c.mu is held.
func (c *Coordinator) snapshotLocked() Snapshot {
	var profile *users.Profile
	if c.profile != nil {
		copied := *c.profile
		profile = &copied
	}
	return Snapshot{
		Status:          c.status,
		IsAuthenticated: c.status == StatusAuthenticated,
		IsLoading:       c.status == StatusAuthenticating,
		Validated:       c.validated,
		Role:            c.role,
		Profile:         profile,
		LastError:       c.lastError,
	}
}

func (c *Coordinator) reportReset() {
	if c.throttle != nil {
		c.throttle.Reset()
	}
}

func (c *Coordinator) reportFailure() {
	if c.throttle != nil {
		c.throttle.Failure()
	}
}
