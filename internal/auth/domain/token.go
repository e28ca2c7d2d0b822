package domain

// TokenPair is what register, login and refresh hand back: a short-lived
// access token and the refresh token that rotates it.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // seconds until the access token expires
}

const TokenTypeBearer = "Bearer"
