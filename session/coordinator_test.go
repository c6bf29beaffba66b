package session_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/agroup/go-aula-client/idp"
	"github.com/agroup/go-aula-client/internal/utils"
	"github.com/agroup/go-aula-client/roles"
	"github.com/agroup/go-aula-client/session"
	"github.com/agroup/go-aula-client/storage"
	"github.com/agroup/go-aula-client/storage/backendfake"
	"github.com/agroup/go-aula-client/users"
)

const (
	testUsername = "ana"
	testPassword = "secret"
)

// fakeProvider scripts identity provider behaviour per operation and counts
// calls, so tests can assert how often the network was actually hit.
type fakeProvider struct {
	mu sync.Mutex

	loginFn    func(req idp.LoginRequest) (*idp.TokenResponse, error)
	validateFn func(accessToken string) (*idp.ValidateResponse, error)
	refreshFn  func(refreshToken string) (*idp.TokenResponse, error)
	logoutFn   func(accessToken string) error
	profileFn  func(accessToken string) (map[string]any, error)

	updateProfileFn  func(accessToken string, update any) error
	changePasswordFn func(accessToken string, change idp.PasswordChange) error

	loginCalls    int
	validateCalls int
	refreshCalls  int
	logoutCalls   int

	lastValidateToken string
	lastLogoutToken   string
}

func (p *fakeProvider) Login(_ context.Context, req idp.LoginRequest) (*idp.TokenResponse, error) {
	p.mu.Lock()
	p.loginCalls++
	fn := p.loginFn
	p.mu.Unlock()
	if fn == nil {
		return nil, errors.New("login not scripted")
	}
	return fn(req)
}

func (p *fakeProvider) Validate(_ context.Context, accessToken string) (*idp.ValidateResponse, error) {
	p.mu.Lock()
	p.validateCalls++
	p.lastValidateToken = accessToken
	fn := p.validateFn
	p.mu.Unlock()
	if fn == nil {
		return nil, errors.New("validate not scripted")
	}
	return fn(accessToken)
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*idp.TokenResponse, error) {
	p.mu.Lock()
	p.refreshCalls++
	fn := p.refreshFn
	p.mu.Unlock()
	if fn == nil {
		return nil, errors.New("refresh not scripted")
	}
	return fn(refreshToken)
}

func (p *fakeProvider) Logout(_ context.Context, accessToken string) error {
	p.mu.Lock()
	p.logoutCalls++
	p.lastLogoutToken = accessToken
	fn := p.logoutFn
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(accessToken)
}

func (p *fakeProvider) Profile(_ context.Context, accessToken string) (map[string]any, error) {
	p.mu.Lock()
	fn := p.profileFn
	p.mu.Unlock()
	if fn == nil {
		return nil, errors.New("profile not scripted")
	}
	return fn(accessToken)
}

func (p *fakeProvider) UpdateProfile(_ context.Context, accessToken string, update any) error {
	p.mu.Lock()
	fn := p.updateProfileFn
	p.mu.Unlock()
	if fn == nil {
		return errors.New("update profile not scripted")
	}
	return fn(accessToken, update)
}

func (p *fakeProvider) ChangePassword(_ context.Context, accessToken string, change idp.PasswordChange) error {
	p.mu.Lock()
	fn := p.changePasswordFn
	p.mu.Unlock()
	if fn == nil {
		return errors.New("change password not scripted")
	}
	return fn(accessToken, change)
}

func (p *fakeProvider) calls() (login, validate, refresh, logout int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginCalls, p.validateCalls, p.refreshCalls, p.logoutCalls
}

type fakeThrottle struct {
	mu       sync.Mutex
	resets   int
	failures int
}

func (ft *fakeThrottle) Reset() {
	ft.mu.Lock()
	ft.resets++
	ft.mu.Unlock()
}

func (ft *fakeThrottle) Failure() {
	ft.mu.Lock()
	ft.failures++
	ft.mu.Unlock()
}

func (ft *fakeThrottle) counts() (resets, failures int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.resets, ft.failures
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

type testFixture struct {
	provider    *fakeProvider
	backend     *backendfake.FakeBackend
	store       *storage.Store
	throttle    *fakeThrottle
	clock       *fakeClock
	coordinator *session.Coordinator
}

func setupTestFixture(t *testing.T, options ...session.CoordinatorOption) *testFixture {
	t.Helper()

	provider := &fakeProvider{}
	backend := backendfake.New()
	store := storage.New(backend)
	resolver := roles.NewResolver(store)
	throttle := &fakeThrottle{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	base := []session.CoordinatorOption{
		session.WithNowTime(clock.Now),
		session.WithThrottle(throttle),
	}
	coordinator, err := session.NewCoordinator(provider, store, resolver, append(base, options...)...)
	require.NoError(t, err)

	return &testFixture{
		provider:    provider,
		backend:     backend,
		store:       store,
		throttle:    throttle,
		clock:       clock,
		coordinator: coordinator,
	}
}

// mintAccessToken signs a token whose claims expire at the given instant.
func mintAccessToken(t *testing.T, exp time.Time, role string) string {
	t.Helper()

	claims := jwtlib.MapClaims{
		"exp":                exp.Unix(),
		"sub":                "user-1",
		"email":              "ana@example.edu",
		"preferred_username": testUsername,
	}
	if role != "" {
		claims["resource_access"] = map[string]any{
			"ateacher_client_api_rest": map[string]any{"roles": []any{role}},
		}
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func statusError(code int, message string) error {
	return &idp.StatusError{StatusCode: code, Message: message}
}

func (f *testFixture) login(t *testing.T, otp string) *idp.TokenResponse {
	t.Helper()

	response, err := f.coordinator.Login(context.Background(), testUsername, testPassword, otp)
	require.NoError(t, err)
	return response
}

func (f *testFixture) scriptLoginSuccess(t *testing.T, role string) string {
	t.Helper()

	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), role)
	f.provider.loginFn = func(idp.LoginRequest) (*idp.TokenResponse, error) {
		return &idp.TokenResponse{Token: access, RefreshToken: "refresh-1"}, nil
	}
	return access
}

func TestLoginSuccess(t *testing.T) {
	f := setupTestFixture(t)
	access := f.scriptLoginSuccess(t, "profesor")

	f.login(t, "")

	snap := f.coordinator.Snapshot()
	require.Equal(t, session.StatusAuthenticated, snap.Status)
	require.True(t, snap.Validated)
	require.Equal(t, roles.Profesor, snap.Role)
	require.NotNil(t, snap.Profile)
	require.Equal(t, testUsername, snap.Profile.Username)
	require.Nil(t, snap.LastError)

	stored, ok := f.store.AccessToken()
	require.True(t, ok)
	require.Equal(t, access, stored)
	refresh, ok := f.store.RefreshToken()
	require.True(t, ok)
	require.Equal(t, "refresh-1", refresh)
	_, ok = f.store.Expiry()
	require.True(t, ok)

	resets, failures := f.throttle.counts()
	require.Equal(t, 1, resets)
	require.Zero(t, failures)
}

func TestLoginFailureNeverMutatesExistingSession(t *testing.T) {
	f := setupTestFixture(t)
	access := f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	f.provider.loginFn = func(idp.LoginRequest) (*idp.TokenResponse, error) {
		return nil, statusError(http.StatusUnauthorized, "Invalid user credentials")
	}
	_, err := f.coordinator.Login(context.Background(), testUsername, "wrong", "")
	require.Error(t, err)

	kind, ok := session.KindOf(err)
	require.True(t, ok)
	require.Equal(t, session.KindCredentials, kind)

	// The previously authenticated session survives untouched.
	snap := f.coordinator.Snapshot()
	require.Equal(t, session.StatusAuthenticated, snap.Status)
	stored, ok := f.store.AccessToken()
	require.True(t, ok)
	require.Equal(t, access, stored)

	_, failures := f.throttle.counts()
	require.Equal(t, 1, failures)
}

func TestLoginOTPContinuation(t *testing.T) {
	f := setupTestFixture(t)
	f.provider.loginFn = func(req idp.LoginRequest) (*idp.TokenResponse, error) {
		if req.OTP == "" {
			return nil, &idp.StatusError{
				StatusCode:  http.StatusUnauthorized,
				Message:     "TOTP code required",
				OTPRequired: true,
			}
		}
		access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
		return &idp.TokenResponse{Token: access, RefreshToken: "refresh-1"}, nil
	}

	_, err := f.coordinator.Login(context.Background(), testUsername, testPassword, "")
	require.True(t, session.IsOTPRequired(err))

	// The continuation is not a failed attempt.
	_, failures := f.throttle.counts()
	require.Zero(t, failures)
	require.False(t, f.coordinator.Snapshot().IsAuthenticated)

	f.login(t, "123456")
	require.True(t, f.coordinator.Snapshot().IsAuthenticated)
}

func TestLoginSuppliedOTPRejectedIsInvalid(t *testing.T) {
	f := setupTestFixture(t)
	f.provider.loginFn = func(idp.LoginRequest) (*idp.TokenResponse, error) {
		return nil, statusError(http.StatusUnprocessableEntity, "Invalid TOTP code")
	}

	_, err := f.coordinator.Login(context.Background(), testUsername, testPassword, "000000")
	kind, ok := session.KindOf(err)
	require.True(t, ok)
	require.Equal(t, session.KindOTPInvalid, kind)

	_, failures := f.throttle.counts()
	require.Equal(t, 1, failures)
}

func TestLoginResponseWithoutTokenStaysUnauthenticated(t *testing.T) {
	f := setupTestFixture(t)
	f.provider.loginFn = func(idp.LoginRequest) (*idp.TokenResponse, error) {
		return &idp.TokenResponse{User: map[string]any{"username": testUsername}}, nil
	}

	_, err := f.coordinator.Login(context.Background(), testUsername, testPassword, "")
	require.Error(t, err)
	require.True(t, session.IsTransient(err))
	require.False(t, f.coordinator.Snapshot().IsAuthenticated)
	require.False(t, f.store.VerifyPersisted())
}

func TestLoginStorageFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.scriptLoginSuccess(t, "profesor")
	f.backend.FailWrites = true

	_, err := f.coordinator.Login(context.Background(), testUsername, testPassword, "")
	kind, ok := session.KindOf(err)
	require.True(t, ok)
	require.Equal(t, session.KindStorage, kind)
	require.False(t, f.coordinator.Snapshot().IsAuthenticated)
}

func TestLoginAccountLockedAndRateLimited(t *testing.T) {
	f := setupTestFixture(t)

	f.provider.loginFn = func(idp.LoginRequest) (*idp.TokenResponse, error) {
		return nil, statusError(http.StatusForbidden, "account disabled")
	}
	_, err := f.coordinator.Login(context.Background(), testUsername, testPassword, "")
	kind, _ := session.KindOf(err)
	require.Equal(t, session.KindAccountLocked, kind)

	f.provider.loginFn = func(idp.LoginRequest) (*idp.TokenResponse, error) {
		return nil, statusError(http.StatusTooManyRequests, "slow down")
	}
	_, err = f.coordinator.Login(context.Background(), testUsername, testPassword, "")
	kind, _ = session.KindOf(err)
	require.Equal(t, session.KindRateLimited, kind)
}

func TestRestoreFromPersistedTokens(t *testing.T) {
	f := setupTestFixture(t)
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetTokens(access, utils.Ptr("refresh-1"), f.clock.Now().Add(time.Hour).Unix()))

	snap := f.coordinator.Restore()
	require.True(t, snap.IsAuthenticated)
	require.False(t, snap.Validated, "restored sessions are unvalidated until the provider confirms")
	require.Equal(t, roles.Profesor, snap.Role)
	require.NotNil(t, snap.Profile)
}

func TestRestoreWithoutTokens(t *testing.T) {
	f := setupTestFixture(t)

	snap := f.coordinator.Restore()
	require.Equal(t, session.StatusUnauthenticated, snap.Status)
}

func TestRefreshSingleFlight(t *testing.T) {
	f := setupTestFixture(t)
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetTokens(access, utils.Ptr("refresh-1"), f.clock.Now().Add(time.Hour).Unix()))

	gate := make(chan struct{})
	newAccess := mintAccessToken(t, f.clock.Now().Add(2*time.Hour), "profesor")
	f.provider.refreshFn = func(string) (*idp.TokenResponse, error) {
		<-gate
		return &idp.TokenResponse{Token: newAccess, RefreshToken: "refresh-2"}, nil
	}

	const callers = 8
	responses := make([]*idp.TokenResponse, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = f.coordinator.RefreshToken(context.Background())
		}(i)
	}

	// Let every goroutine reach the shared flight before the provider
	// responds.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	_, _, refreshCalls, _ := f.provider.calls()
	require.Equal(t, 1, refreshCalls, "concurrent callers must share one network call")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, newAccess, responses[i].Bearer(), "all callers observe the identical outcome")
	}

	stored, _ := f.store.AccessToken()
	require.Equal(t, newAccess, stored)
	rotated, _ := f.store.RefreshToken()
	require.Equal(t, "refresh-2", rotated)
}

func TestRefreshCooldownServesSettledOutcome(t *testing.T) {
	f := setupTestFixture(t, session.WithRefreshCooldown(500*time.Millisecond))
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetTokens(access, utils.Ptr("refresh-1"), f.clock.Now().Add(time.Hour).Unix()))

	f.provider.refreshFn = func(string) (*idp.TokenResponse, error) {
		return &idp.TokenResponse{
			Token:        mintAccessToken(t, f.clock.Now().Add(2*time.Hour), "profesor"),
			RefreshToken: "refresh-2",
		}, nil
	}

	_, err := f.coordinator.RefreshToken(context.Background())
	require.NoError(t, err)

	// Inside the cooldown window the settled result is replayed.
	_, err = f.coordinator.RefreshToken(context.Background())
	require.NoError(t, err)
	_, _, refreshCalls, _ := f.provider.calls()
	require.Equal(t, 1, refreshCalls)

	f.clock.Advance(time.Second)
	_, err = f.coordinator.RefreshToken(context.Background())
	require.NoError(t, err)
	_, _, refreshCalls, _ = f.provider.calls()
	require.Equal(t, 2, refreshCalls)
}

func TestRefreshRejectionTearsSessionDown(t *testing.T) {
	f := setupTestFixture(t)
	f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	f.provider.refreshFn = func(string) (*idp.TokenResponse, error) {
		return nil, statusError(http.StatusUnauthorized, "refresh token revoked")
	}

	_, err := f.coordinator.RefreshToken(context.Background())
	kind, ok := session.KindOf(err)
	require.True(t, ok)
	require.Equal(t, session.KindTokenInvalid, kind)

	require.False(t, f.store.VerifyPersisted(), "terminal refresh failure clears stored tokens")
	snap := f.coordinator.Snapshot()
	require.Equal(t, session.StatusUnauthenticated, snap.Status)
	require.NotNil(t, snap.LastError)
}

func TestRefreshTransientFailureKeepsSession(t *testing.T) {
	f := setupTestFixture(t)
	access := f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	f.provider.refreshFn = func(string) (*idp.TokenResponse, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	_, err := f.coordinator.RefreshToken(context.Background())
	require.True(t, session.IsTransient(err))

	stored, ok := f.store.AccessToken()
	require.True(t, ok)
	require.Equal(t, access, stored)
	require.True(t, f.coordinator.Snapshot().IsAuthenticated)
}

func TestRefreshWithoutRefreshTokenKeepsAccessToken(t *testing.T) {
	f := setupTestFixture(t)
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetAccessToken(access))

	_, err := f.coordinator.RefreshToken(context.Background())
	kind, ok := session.KindOf(err)
	require.True(t, ok)
	require.Equal(t, session.KindNoRefreshToken, kind)

	stored, ok := f.store.AccessToken()
	require.True(t, ok)
	require.Equal(t, access, stored, "a missing refresh token must not evict the access token")

	_, _, refreshCalls, _ := f.provider.calls()
	require.Zero(t, refreshCalls)
}

func TestRefreshUnrotatedTokenKeepsStoredOne(t *testing.T) {
	f := setupTestFixture(t)
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetTokens(access, utils.Ptr("refresh-1"), f.clock.Now().Add(time.Hour).Unix()))

	f.provider.refreshFn = func(string) (*idp.TokenResponse, error) {
		// No refresh_token in the response: provider did not rotate.
		return &idp.TokenResponse{Token: mintAccessToken(t, f.clock.Now().Add(2*time.Hour), "profesor")}, nil
	}

	_, err := f.coordinator.RefreshToken(context.Background())
	require.NoError(t, err)

	refresh, ok := f.store.RefreshToken()
	require.True(t, ok)
	require.Equal(t, "refresh-1", refresh)
}

func TestValidateRefreshesNearExpiryFirst(t *testing.T) {
	f := setupTestFixture(t, session.WithRefreshThreshold(5*time.Minute))

	// Stored token expires within the threshold.
	oldAccess := mintAccessToken(t, f.clock.Now().Add(time.Minute), "profesor")
	require.NoError(t, f.store.SetTokens(oldAccess, utils.Ptr("refresh-1"), f.clock.Now().Add(time.Minute).Unix()))

	newAccess := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	f.provider.refreshFn = func(string) (*idp.TokenResponse, error) {
		return &idp.TokenResponse{Token: newAccess, RefreshToken: "refresh-2"}, nil
	}
	f.provider.validateFn = func(string) (*idp.ValidateResponse, error) {
		return &idp.ValidateResponse{Valid: true, Active: true}, nil
	}

	_, err := f.coordinator.Validate(context.Background())
	require.NoError(t, err)

	_, _, refreshCalls, _ := f.provider.calls()
	require.Equal(t, 1, refreshCalls)
	f.provider.mu.Lock()
	validatedWith := f.provider.lastValidateToken
	f.provider.mu.Unlock()
	require.Equal(t, newAccess, validatedWith, "validation must use the refreshed token")
	require.True(t, f.coordinator.Snapshot().Validated)
}

func TestValidateProceedsWhenPreRefreshFails(t *testing.T) {
	f := setupTestFixture(t, session.WithRefreshThreshold(5*time.Minute))
	oldAccess := mintAccessToken(t, f.clock.Now().Add(time.Minute), "profesor")
	require.NoError(t, f.store.SetTokens(oldAccess, utils.Ptr("refresh-1"), f.clock.Now().Add(time.Minute).Unix()))

	f.provider.refreshFn = func(string) (*idp.TokenResponse, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	f.provider.validateFn = func(string) (*idp.ValidateResponse, error) {
		return &idp.ValidateResponse{Valid: true, Active: true}, nil
	}

	_, err := f.coordinator.Validate(context.Background())
	require.NoError(t, err, "best-effort refresh failure must not block validation")

	f.provider.mu.Lock()
	validatedWith := f.provider.lastValidateToken
	f.provider.mu.Unlock()
	require.Equal(t, oldAccess, validatedWith)
}

func TestValidateRejectionTearsSessionDown(t *testing.T) {
	f := setupTestFixture(t)
	f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	f.provider.validateFn = func(string) (*idp.ValidateResponse, error) {
		return nil, statusError(http.StatusUnauthorized, "token expired")
	}

	_, err := f.coordinator.Validate(context.Background())
	kind, _ := session.KindOf(err)
	require.Equal(t, session.KindTokenInvalid, kind)
	require.False(t, f.store.VerifyPersisted())
	require.Equal(t, session.StatusUnauthenticated, f.coordinator.Snapshot().Status)
}

func TestValidateTransientFailureKeepsSession(t *testing.T) {
	f := setupTestFixture(t)
	f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	f.provider.validateFn = func(string) (*idp.ValidateResponse, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}

	_, err := f.coordinator.Validate(context.Background())
	require.True(t, session.IsTransient(err))

	snap := f.coordinator.Snapshot()
	require.True(t, snap.IsAuthenticated, "flaky network must never log the user out")
	require.False(t, snap.Validated)
	require.True(t, f.store.VerifyPersisted())
}

func TestValidateWithoutToken(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.coordinator.Validate(context.Background())
	kind, _ := session.KindOf(err)
	require.Equal(t, session.KindTokenInvalid, kind)
	require.Equal(t, session.StatusUnauthenticated, f.coordinator.Snapshot().Status)

	_, validateCalls, _, _ := f.provider.calls()
	require.Zero(t, validateCalls)
}

func TestLogoutClearsLocallyBeforeNotifying(t *testing.T) {
	f := setupTestFixture(t)
	access := f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	var tokenAtNotify string
	f.provider.logoutFn = func(string) error {
		// By the time the provider hears about it, local state is gone.
		_, ok := f.store.AccessToken()
		require.False(t, ok)
		f.provider.mu.Lock()
		tokenAtNotify = f.provider.lastLogoutToken
		f.provider.mu.Unlock()
		return nil
	}

	require.NoError(t, f.coordinator.Logout(context.Background()))
	require.Equal(t, access, tokenAtNotify, "the captured token is sent even though storage is cleared")

	snap := f.coordinator.Snapshot()
	require.Equal(t, session.StatusUnauthenticated, snap.Status)
	require.Nil(t, snap.Profile)
	require.Empty(t, snap.Role)
}

func TestLogoutServerFailureIsStillLoggedOut(t *testing.T) {
	f := setupTestFixture(t)
	f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	f.provider.logoutFn = func(string) error {
		return errors.New("dial tcp: connection refused")
	}

	require.NoError(t, f.coordinator.Logout(context.Background()))
	require.False(t, f.store.VerifyPersisted())
	require.Equal(t, session.StatusUnauthenticated, f.coordinator.Snapshot().Status)
}

func TestLogoutWithoutSessionSkipsServerCall(t *testing.T) {
	f := setupTestFixture(t)

	require.NoError(t, f.coordinator.Logout(context.Background()))
	_, _, _, logoutCalls := f.provider.calls()
	require.Zero(t, logoutCalls)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := setupTestFixture(t)
	f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	require.NoError(t, f.coordinator.Logout(context.Background()))
	require.NoError(t, f.coordinator.Logout(context.Background()))

	_, _, _, logoutCalls := f.provider.calls()
	require.Equal(t, 1, logoutCalls, "only the logout that held a token notifies the server")
}

func TestFetchProfileFallsBackToClaims(t *testing.T) {
	f := setupTestFixture(t)
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetAccessToken(access))

	f.provider.profileFn = func(string) (map[string]any, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	profile, err := f.coordinator.FetchProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, testUsername, profile.Username)
	require.Equal(t, "ana@example.edu", profile.Email)
}

func TestUpdateProfileReplacesCachedProfile(t *testing.T) {
	f := setupTestFixture(t)
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetAccessToken(access))

	var sent any
	f.provider.updateProfileFn = func(_ string, update any) error {
		sent = update
		return nil
	}

	err := f.coordinator.UpdateProfile(context.Background(), users.Profile{
		Username:  testUsername,
		FirstName: "Ana María",
		Phone:     "+34622222222",
	})
	require.NoError(t, err)

	update, ok := sent.(users.ProfileUpdate)
	require.True(t, ok)
	require.Equal(t, "Ana María", update.FirstName)
	require.Equal(t, "+34622222222", update.Attributes["phone_number"])

	snap := f.coordinator.Snapshot()
	require.NotNil(t, snap.Profile)
	require.Equal(t, "Ana María", snap.Profile.FirstName)
}

func TestUpdateProfileRejectionKeepsSession(t *testing.T) {
	f := setupTestFixture(t)
	f.scriptLoginSuccess(t, "profesor")
	f.login(t, "")

	f.provider.updateProfileFn = func(string, any) error {
		return statusError(http.StatusUnauthorized, "token expired")
	}

	err := f.coordinator.UpdateProfile(context.Background(), users.Profile{Username: testUsername})
	require.Error(t, err)
	require.True(t, f.coordinator.Snapshot().IsAuthenticated,
		"a rejected profile edit must not log the user out")
}

func TestChangePasswordWrongOldPassword(t *testing.T) {
	f := setupTestFixture(t)
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetAccessToken(access))

	f.provider.changePasswordFn = func(_ string, change idp.PasswordChange) error {
		if change.OldPassword != testPassword {
			return statusError(http.StatusUnauthorized, "Invalid user credentials")
		}
		return nil
	}

	err := f.coordinator.ChangePassword(context.Background(), "wrong", "next")
	kind, ok := session.KindOf(err)
	require.True(t, ok)
	require.Equal(t, session.KindCredentials, kind)

	require.NoError(t, f.coordinator.ChangePassword(context.Background(), testPassword, "next"))
}

func TestFetchProfileNormalizesServerRecord(t *testing.T) {
	f := setupTestFixture(t)
	access := mintAccessToken(t, f.clock.Now().Add(time.Hour), "profesor")
	require.NoError(t, f.store.SetAccessToken(access))

	f.provider.profileFn = func(string) (map[string]any, error) {
		return map[string]any{
			"id":       "user-1",
			"username": testUsername,
			"attributes": map[string]any{
				"phone_number": []any{"+34600000000"},
			},
		}, nil
	}

	profile, err := f.coordinator.FetchProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, "+34600000000", profile.Phone)

	// The normalized profile is cached for offline restores.
	_, ok := f.store.Profile()
	require.True(t, ok)
}
