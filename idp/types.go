package idp

// TokenResponse is the payload of /login and /refresh. The backend is
// inconsistent about the access token field name; use Bearer() rather than
// reading the fields directly.
type TokenResponse struct {
	Token        string         `json:"token,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Exp          int64          `json:"exp,omitempty"`
	User         map[string]any `json:"user,omitempty"`
}

// Bearer normalizes the duck-typed response shape: "token" wins over
// "access_token", empty means the response carried no usable credential.
func (tr *TokenResponse) Bearer() string {
	if tr.Token != "" {
		return tr.Token
	}
	return tr.AccessToken
}

// ValidateResponse is the payload of /validate.
type ValidateResponse struct {
	Valid    bool   `json:"valid"`
	Active   bool   `json:"active"`
	Exp      int64  `json:"exp,omitempty"`
	Username string `json:"username,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
}

// LoginRequest carries the credentials for /login. OTP is only sent when
// present; RememberMe asks the provider for a longer-lived refresh token.
type LoginRequest struct {
	Username   string
	Password   string
	OTP        string
	RememberMe bool
}

// PasswordChange carries the body of /change-password.
type PasswordChange struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}
