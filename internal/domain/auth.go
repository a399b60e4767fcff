package domain

// SessionState is the persisted session snapshot.
type SessionState struct {
	User            *User  `json:"user,omitempty"`
	AccessToken     string `json:"accessToken,omitempty"`
	RefreshToken    string `json:"refreshToken,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}
