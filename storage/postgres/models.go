package postgres

import (
	"time"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

type clientModel struct {
	ClientID      string `gorm:"column:client_id;primaryKey;size:255"`
	ClientSecret  string `gorm:"column:client_secret;not null"`
	Salt          string `gorm:"column:salt;not null"`
	RedirectURIs  string `gorm:"column:redirect_uris;type:text"`
	AllowedScopes string `gorm:"column:allowed_scopes;type:text"`
}

func (clientModel) TableName() string { return "oauth2_clients" }

type codeModel struct {
	Code        string `gorm:"column:code;primaryKey;size:255"`
	ClientID    string `gorm:"column:client_id;not null;size:255"`
	UserID      string `gorm:"column:user_id;not null;size:255"`
	Scope       string `gorm:"column:scope;type:text"`
	RedirectURI string `gorm:"column:redirect_uri;type:text"`
	ExpiresAt   int64  `gorm:"column:expires_at;not null;index"`
	Used        bool   `gorm:"column:used;not null;index"`
}

func (codeModel) TableName() string { return "oauth2_codes" }

type accessTokenModel struct {
	Token     string `gorm:"column:token;primaryKey;size:255"`
	ClientID  string `gorm:"column:client_id;not null;size:255"`
	UserID    string `gorm:"column:user_id;not null;size:255;index"`
	Scope     string `gorm:"column:scope;type:text"`
	ExpiresAt int64  `gorm:"column:expires_at;not null;index"`
	Revoked   bool   `gorm:"column:revoked;not null;index"`
}

func (accessTokenModel) TableName() string { return "oauth2_access_tokens" }

type refreshTokenModel struct {
	Token       string `gorm:"column:token;primaryKey;size:255"`
	AccessToken string `gorm:"column:access_token;size:255"`
	ClientID    string `gorm:"column:client_id;not null;size:255"`
	UserID      string `gorm:"column:user_id;not null;size:255;index"`
	Scope       string `gorm:"column:scope;type:text"`
	ExpiresAt   int64  `gorm:"column:expires_at;not null;index"`
	Revoked     bool   `gorm:"column:revoked;not null;index"`
}

func (refreshTokenModel) TableName() string { return "oauth2_refresh_tokens" }

func toClientModel(c *storage.Client) *clientModel {
	return &clientModel{
		ClientID:      c.ClientID,
		ClientSecret:  c.SecretHash,
		Salt:          c.Salt,
		RedirectURIs:  util.JoinList(c.RedirectURIs),
		AllowedScopes: util.JoinList(c.AllowedScopes),
	}
}

func (m *clientModel) toStorage() *storage.Client {
	return &storage.Client{
		ClientID:      m.ClientID,
		SecretHash:    m.ClientSecret,
		Salt:          m.Salt,
		RedirectURIs:  util.SplitList(m.RedirectURIs),
		AllowedScopes: util.SplitList(m.AllowedScopes),
	}
}

func toCodeModel(c *storage.AuthorizationCode) *codeModel {
	return &codeModel{
		Code:        c.Code,
		ClientID:    c.ClientID,
		UserID:      c.UserID,
		Scope:       c.Scope,
		RedirectURI: c.RedirectURI,
		ExpiresAt:   c.ExpiresAt.Unix(),
		Used:        c.Used,
	}
}

func (m *codeModel) toStorage() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        m.Code,
		ClientID:    m.ClientID,
		UserID:      m.UserID,
		Scope:       m.Scope,
		RedirectURI: m.RedirectURI,
		ExpiresAt:   time.Unix(m.ExpiresAt, 0),
		Used:        m.Used,
	}
}

func toAccessTokenModel(t *storage.AccessToken) *accessTokenModel {
	return &accessTokenModel{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scope:     t.Scope,
		ExpiresAt: t.ExpiresAt.Unix(),
		Revoked:   t.Revoked,
	}
}

func (m *accessTokenModel) toStorage() *storage.AccessToken {
	return &storage.AccessToken{
		Token:     m.Token,
		ClientID:  m.ClientID,
		UserID:    m.UserID,
		Scope:     m.Scope,
		ExpiresAt: time.Unix(m.ExpiresAt, 0),
		Revoked:   m.Revoked,
	}
}

func toRefreshTokenModel(t *storage.RefreshToken) *refreshTokenModel {
	return &refreshTokenModel{
		Token:       t.Token,
		AccessToken: t.AccessToken,
		ClientID:    t.ClientID,
		UserID:      t.UserID,
		Scope:       t.Scope,
		ExpiresAt:   t.ExpiresAt.Unix(),
		Revoked:     t.Revoked,
	}
}

func (m *refreshTokenModel) toStorage() *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:       m.Token,
		AccessToken: m.AccessToken,
		ClientID:    m.ClientID,
		UserID:      m.UserID,
		Scope:       m.Scope,
		ExpiresAt:   time.Unix(m.ExpiresAt, 0),
		Revoked:     m.Revoked,
	}
}
