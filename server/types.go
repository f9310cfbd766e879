package server

// TokenResponse is the JSON body of a successful token request.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	RefreshToken string   `json:"refresh_token"`
	Scope        string   `json:"scope,omitempty"`
	Roles        []string `json:"roles"`
}

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// grant types accepted at the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)
