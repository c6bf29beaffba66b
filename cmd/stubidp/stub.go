package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type account struct {
	ID        string
	Username  string
	Email     string
	Password  string
	OTPCode   string // empty means the account has no second factor
	Role      string
	FirstName string
	LastName  string
	Phone     string
	CreatedBy string
}

type stub struct {
	secret   []byte
	tokenTTL time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*account // keyed by username
	refresh  map[string]string   // refresh token -> username
	revoked  map[string]bool     // access token jti -> revoked
}

func newStub(secret []byte, tokenTTL time.Duration, log zerolog.Logger) *stub {
	s := &stub{
		secret:   secret,
		tokenTTL: tokenTTL,
		log:      log,
		accounts: map[string]*account{},
		refresh:  map[string]string{},
		revoked:  map[string]bool{},
	}
	s.seed(&account{
		ID:        uuid.NewString(),
		Username:  "profesora",
		Email:     "profesora@demo.edu",
		Password:  "profesora",
		OTPCode:   "123456",
		Role:      "profesor",
		FirstName: "Ana",
		LastName:  "García",
	})
	s.seed(&account{
		ID:        uuid.NewString(),
		Username:  "alumno",
		Email:     "alumno@demo.edu",
		Password:  "alumno",
		Role:      "alumno",
		FirstName: "Luis",
		LastName:  "Pérez",
	})
	return s
}

func (s *stub) seed(acc *account) {
	s.accounts[acc.Username] = acc
}

func (s *stub) findByUsernameOrEmail(identifier string) *account {
	if acc, ok := s.accounts[identifier]; ok {
		return acc
	}
	for _, acc := range s.accounts {
		if acc.Email == identifier {
			return acc
		}
	}
	return nil
}

func (s *stub) mintToken(acc *account, now time.Time) (string, string, error) {
	jti := uuid.NewString()
	claims := jwtlib.MapClaims{
		"exp":                now.Add(s.tokenTTL).Unix(),
		"iat":                now.Unix(),
		"sub":                acc.ID,
		"jti":                jti,
		"preferred_username": acc.Username,
		"email":              acc.Email,
		"given_name":         acc.FirstName,
		"family_name":        acc.LastName,
		"resource_access": map[string]any{
			"ateacher_client_api_rest": map[string]any{
				"roles": []string{acc.Role},
			},
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(s.secret)
	return signed, jti, err
}

func (s *stub) parseToken(r *http.Request) (*account, jwtlib.MapClaims, bool) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return nil, nil, false
	}
	claims := jwtlib.MapClaims{}
	parsed, err := jwtlib.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return s.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, nil, false
	}
	if jti, _ := claims["jti"].(string); s.revoked[jti] {
		return nil, nil, false
	}
	username, _ := claims["preferred_username"].(string)
	acc := s.accounts[username]
	if acc == nil {
		return nil, nil, false
	}
	return acc, claims, true
}

func (s *stub) issueSession(w http.ResponseWriter, acc *account) {
	now := time.Now()
	signed, _, err := s.mintToken(acc, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	refreshToken := uuid.NewString()
	s.refresh[refreshToken] = acc.Username

	writeJSON(w, http.StatusOK, map[string]any{
		"token":         signed,
		"refresh_token": refreshToken,
		"exp":           now.Add(s.tokenTTL).Unix(),
		"user":          s.profilePayload(acc),
	})
}

func (s *stub) profilePayload(acc *account) map[string]any {
	// Keycloak-style record: scalar identity fields plus an attributes map
	// whose values are arrays of strings.
	return map[string]any{
		"id":        acc.ID,
		"username":  acc.Username,
		"email":     acc.Email,
		"firstName": acc.FirstName,
		"lastName":  acc.LastName,
		"enabled":   true,
		"attributes": map[string]any{
			"phone_number": []any{acc.Phone},
			"created_by":   []any{acc.CreatedBy},
		},
	}
}

func (s *stub) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findByUsernameOrEmail(r.PostFormValue("username"))
	if acc == nil || acc.Password != r.PostFormValue("password") {
		writeError(w, http.StatusUnauthorized, "Invalid user credentials")
		return
	}
	if acc.OTPCode != "" {
		supplied := r.PostFormValue("totp")
		if supplied == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":        "TOTP code required",
				"otp_required": true,
			})
			return
		}
		if supplied != acc.OTPCode {
			writeError(w, http.StatusUnprocessableEntity, "Invalid TOTP code")
			return
		}
	}
	s.log.Info().Str("user", acc.Username).Msg("login")
	s.issueSession(w, acc)
}

func (s *stub) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, claims, ok := s.parseToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	exp, _ := claims["exp"].(float64)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"active":   true,
		"exp":      int64(exp),
		"username": acc.Username,
		"user_id":  acc.ID,
		"email":    acc.Email,
	})
}

func (s *stub) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	username, ok := s.refresh[body.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "refresh token revoked")
		return
	}
	// Rotation: the presented token stops working once exchanged.
	delete(s.refresh, body.RefreshToken)

	acc := s.accounts[username]
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "account gone")
		return
	}
	s.log.Info().Str("user", acc.Username).Msg("refresh")
	s.issueSession(w, acc)
}

func (s *stub) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, claims, ok := s.parseToken(r); ok {
		if jti, _ := claims["jti"].(string); jti != "" {
			s.revoked[jti] = true
		}
	}
	// Logout always succeeds from the client's point of view.
	w.WriteHeader(http.StatusNoContent)
}

func (s *stub) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, _, ok := s.parseToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, s.profilePayload(acc))
}

func (s *stub) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, _, ok := s.parseToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	var update struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if update.FirstName != "" {
		acc.FirstName = update.FirstName
	}
	if update.LastName != "" {
		acc.LastName = update.LastName
	}
	if update.Email != "" {
		acc.Email = update.Email
	}
	writeJSON(w, http.StatusOK, s.profilePayload(acc))
}

func (s *stub) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, _, ok := s.parseToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	var change struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if change.OldPassword != acc.Password {
		writeError(w, http.StatusUnauthorized, "Invalid user credentials")
		return
	}
	acc.Password = change.NewPassword
	w.WriteHeader(http.StatusNoContent)
}

func (s *stub) requireTeacher(w http.ResponseWriter, r *http.Request) *account {
	acc, _, ok := s.parseToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil
	}
	if acc.Role != "profesor" {
		writeError(w, http.StatusForbidden, "teacher role required")
		return nil
	}
	return acc
}

func (s *stub) handleListUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	teacher := s.requireTeacher(w, r)
	if teacher == nil {
		return
	}
	createdBy := r.URL.Query().Get("created_by")
	records := []map[string]any{}
	for _, acc := range s.accounts {
		if acc.Role != "alumno" {
			continue
		}
		if createdBy != "" && acc.CreatedBy != createdBy {
			continue
		}
		records = append(records, s.profilePayload(acc))
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *stub) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	teacher := s.requireTeacher(w, r)
	if teacher == nil {
		return
	}
	var body struct {
		Username    string              `json:"username"`
		Email       string              `json:"email"`
		FirstName   string              `json:"firstName"`
		LastName    string              `json:"lastName"`
		Credentials []map[string]any    `json:"credentials"`
		Attributes  map[string][]string `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.Username == "" {
		writeError(w, http.StatusUnprocessableEntity, "username is required")
		return
	}
	if _, exists := s.accounts[body.Username]; exists {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	password := ""
	if len(body.Credentials) > 0 {
		password, _ = body.Credentials[0]["value"].(string)
	}
	s.accounts[body.Username] = &account{
		ID:        uuid.NewString(),
		Username:  body.Username,
		Email:     body.Email,
		Password:  password,
		Role:      "alumno",
		FirstName: body.FirstName,
		LastName:  body.LastName,
		CreatedBy: teacher.ID,
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *stub) findByID(id string) *account {
	for _, acc := range s.accounts {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}

func (s *stub) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.requireTeacher(w, r) == nil {
		return
	}
	acc := s.findByID(chi.URLParam(r, "userID"))
	if acc == nil {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	var body struct {
		Email     string `json:"email"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.Email != "" {
		acc.Email = body.Email
	}
	if body.FirstName != "" {
		acc.FirstName = body.FirstName
	}
	if body.LastName != "" {
		acc.LastName = body.LastName
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *stub) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.requireTeacher(w, r) == nil {
		return
	}
	acc := s.findByID(chi.URLParam(r, "userID"))
	if acc == nil {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	delete(s.accounts, acc.Username)
	w.WriteHeader(http.StatusNoContent)
}

func (s *stub) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.requireTeacher(w, r) == nil {
		return
	}
	acc := s.findByID(chi.URLParam(r, "userID"))
	if acc == nil {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password == "" {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	acc.Password = body.Password
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
