package users

// KeycloakUser is the write-side shape the facade expects: every attribute
// an array of strings, credentials attached only on creation.
type KeycloakUser struct {
	Username    string               `json:"username,omitempty"`
	Email       string               `json:"email,omitempty"`
	FirstName   string               `json:"firstName"`
	LastName    string               `json:"lastName"`
	Enabled     bool                 `json:"enabled"`
	Attributes  map[string][]string  `json:"attributes"`
	Credentials []KeycloakCredential `json:"credentials,omitempty"`
}

type KeycloakCredential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// FormatForKeycloak converts a Profile into the facade's write shape.
// phone_number and gender are required attributes and always present;
// birth_date and created_by are only included when set.
func FormatForKeycloak(p Profile, password string) KeycloakUser {
	ku := KeycloakUser{
		Username:  p.Username,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Enabled:   p.Enabled,
		Attributes: map[string][]string{
			"phone_number": {p.Phone},
			"gender":       {p.Gender},
		},
	}
	if p.Birthdate != "" {
		ku.Attributes["birth_date"] = []string{p.Birthdate}
	}
	if p.CreatedBy != "" {
		ku.Attributes["created_by"] = []string{p.CreatedBy}
	}
	if password != "" {
		ku.Credentials = []KeycloakCredential{{
			Type:      "password",
			Value:     password,
			Temporary: false,
		}}
	}
	return ku
}

// ProfileUpdate is the body of PUT /user-profile: names plus attributes,
// email and credentials excluded.
type ProfileUpdate struct {
	FirstName  string            `json:"firstName"`
	LastName   string            `json:"lastName"`
	Attributes map[string]string `json:"attributes"`
}

// FormatProfileUpdate builds the self-service profile update payload.
func FormatProfileUpdate(p Profile) ProfileUpdate {
	update := ProfileUpdate{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Attributes: map[string]string{
			"phone_number": p.Phone,
			"gender":       p.Gender,
			"birth_date":   p.Birthdate,
		},
	}
	if p.CreatedBy != "" {
		update.Attributes["created_by"] = p.CreatedBy
	}
	return update
}
