package valkey

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// Wire records. expires_at is unix seconds so Lua scripts can compare it.

type codeRecord struct {
	Code        string `json:"code"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	Scope       string `json:"scope"`
	RedirectURI string `json:"redirect_uri"`
	ExpiresAt   int64  `json:"expires_at"`
	Used        bool   `json:"used"`
}

type accessRecord struct {
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

type refreshRecord struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	Scope       string `json:"scope"`
	ExpiresAt   int64  `json:"expires_at"`
	Revoked     bool   `json:"revoked"`
}

func encodeCode(c *storage.AuthorizationCode) (string, error) {
	return marshal(codeRecord{
		Code:        c.Code,
		ClientID:    c.ClientID,
		UserID:      c.UserID,
		Scope:       c.Scope,
		RedirectURI: c.RedirectURI,
		ExpiresAt:   c.ExpiresAt.Unix(),
		Used:        c.Used,
	})
}

func decodeCode(data string) (*storage.AuthorizationCode, error) {
	var r codeRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}
	return &storage.AuthorizationCode{
		Code:        r.Code,
		ClientID:    r.ClientID,
		UserID:      r.UserID,
		Scope:       r.Scope,
		RedirectURI: r.RedirectURI,
		ExpiresAt:   time.Unix(r.ExpiresAt, 0),
		Used:        r.Used,
	}, nil
}

func encodeAccess(t *storage.AccessToken) (string, error) {
	return marshal(accessRecord{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scope:     t.Scope,
		ExpiresAt: t.ExpiresAt.Unix(),
		Revoked:   t.Revoked,
	})
}

func decodeAccess(data string) (*storage.AccessToken, error) {
	var r accessRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}
	return &storage.AccessToken{
		Token:     r.Token,
		ClientID:  r.ClientID,
		UserID:    r.UserID,
		Scope:     r.Scope,
		ExpiresAt: time.Unix(r.ExpiresAt, 0),
		Revoked:   r.Revoked,
	}, nil
}

func encodeRefresh(t *storage.RefreshToken) (string, error) {
	return marshal(refreshRecord{
		Token:       t.Token,
		AccessToken: t.AccessToken,
		ClientID:    t.ClientID,
		UserID:      t.UserID,
		Scope:       t.Scope,
		ExpiresAt:   t.ExpiresAt.Unix(),
		Revoked:     t.Revoked,
	})
}

func decodeRefresh(data string) (*storage.RefreshToken, error) {
	var r refreshRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode refresh token: %w", err)
	}
	return &storage.RefreshToken{
		Token:       r.Token,
		AccessToken: r.AccessToken,
		ClientID:    r.ClientID,
		UserID:      r.UserID,
		Scope:       r.Scope,
		ExpiresAt:   time.Unix(r.ExpiresAt, 0),
		Revoked:     r.Revoked,
	}, nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
