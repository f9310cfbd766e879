package security

// Event types written by Auditor.
const (
	// EventAuthorizationCodeIssued is logged when a code is issued after login
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an exchange presents
	// a used, expired or unknown code
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventTokenIssued is logged when a code is exchanged for tokens
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshRaceLost is logged when a rotation lost to a concurrent one
	// and its tokens were withdrawn
	EventRefreshRaceLost = "refresh_race_lost"

	// EventIssuanceRolledBack is logged when issuance failed after the code
	// was consumed and the consumption was compensated
	EventIssuanceRolledBack = "issuance_rolled_back"

	// EventTokenRevoked is logged when a single token is revoked
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when all tokens of a user are revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// EventLoginSucceeded is logged after successful directory authentication
	EventLoginSucceeded = "login_succeeded"

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventAccessDenied is logged when role rules reject a bearer
	EventAccessDenied = "access_denied"

	// EventRateLimitExceeded is logged when a limiter rejects a request
	EventRateLimitExceeded = "rate_limit_exceeded"
)
