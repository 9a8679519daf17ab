package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
)

const (
	pathLogin          = "/rest/auth/angelbroking/user/v1/loginByPassword"
	pathGenerateTokens = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	pathLogout         = "/rest/secure/angelbroking/user/v1/logout"
)

// Credentials holds one user's broker login material. TOTP is the explicit
// six-digit code; when empty it is computed from TOTPSecret.
type Credentials struct {
	APIKey     string `json:"api_key"`
	ClientCode string `json:"client_id"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret"`
	TOTP       string `json:"totp,omitempty"`
}

// Validate checks that the credential set is usable for a login attempt.
func (c Credentials) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.ClientCode == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.TOTPSecret == "" && c.TOTP == "" {
		return fmt.Errorf("totp_secret or totp is required")
	}
	return nil
}

// totpCode returns the one-time code for this login attempt.
func (c Credentials) totpCode() (string, error) {
	if c.TOTP != "" {
		return c.TOTP, nil
	}
	code, err := totp.GenerateCode(c.TOTPSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}
	return code, nil
}

// Tokens is the credential triple issued at login.
type Tokens struct {
	JWT     string `json:"jwtToken"`
	Refresh string `json:"refreshToken"`
	Feed    string `json:"feedToken"`
}

// Session is an authenticated broker session. It carries everything the
// feed transport and the secure REST endpoints need.
type Session struct {
	ClientCode string
	APIKey     string
	Tokens     Tokens
	IssuedAt   time.Time
}

func (s *Session) auth() authHeaders {
	return authHeaders{apiKey: s.APIKey, jwt: s.Tokens.JWT}
}

// Login authenticates with the broker and returns a Session holding the
// jwt, refresh and feed tokens. Credentials are used for this call only
// and are never stored on the client.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	code, err := creds.totpCode()
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"clientcode": creds.ClientCode,
		"password":   creds.Password,
		"totp":       code,
	}

	var tokens Tokens
	auth := authHeaders{apiKey: creds.APIKey}
	if err := c.post(ctx, pathLogin, auth, payload, &tokens); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	c.logger.Info("broker login succeeded", "client_code", creds.ClientCode)

	return &Session{
		ClientCode: creds.ClientCode,
		APIKey:     creds.APIKey,
		Tokens:     tokens,
		IssuedAt:   time.Now(),
	}, nil
}

// RenewTokens exchanges the refresh token for a fresh jwt/feed pair and
// updates the session in place.
func (c *Client) RenewTokens(ctx context.Context, session *Session) error {
	payload := map[string]string{
		"refreshToken": session.Tokens.Refresh,
	}

	var tokens Tokens
	if err := c.post(ctx, pathGenerateTokens, session.auth(), payload, &tokens); err != nil {
		return fmt.Errorf("renew tokens: %w", err)
	}

	if tokens.Refresh == "" {
		tokens.Refresh = session.Tokens.Refresh
	}
	session.Tokens = tokens
	session.IssuedAt = time.Now()

	c.logger.Info("broker tokens renewed", "client_code", session.ClientCode)
	return nil
}

// Logout invalidates the broker session.
func (c *Client) Logout(ctx context.Context, session *Session) error {
	payload := map[string]string{
		"clientcode": session.ClientCode,
	}

	if err := c.post(ctx, pathLogout, session.auth(), payload, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	c.logger.Info("broker logout", "client_code", session.ClientCode)
	return nil
}
