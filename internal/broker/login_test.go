package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCredentialsValidate(t *testing.T) {
	valid := func() Credentials {
		return Credentials{
			APIKey:     "key",
			ClientCode: "A123456",
			Password:   "1234",
			TOTPSecret: "JBSWY3DPEHPK3PXP",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Credentials)
		wantErr string
	}{
		{"valid", func(c *Credentials) {}, ""},
		{"explicit code only", func(c *Credentials) { c.TOTPSecret = ""; c.TOTP = "123456" }, ""},
		{"missing api key", func(c *Credentials) { c.APIKey = "" }, "api_key is required"},
		{"missing client code", func(c *Credentials) { c.ClientCode = "" }, "client_id is required"},
		{"missing password", func(c *Credentials) { c.Password = "" }, "password is required"},
		{"missing totp", func(c *Credentials) { c.TOTPSecret = "" }, "totp_secret or totp is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := valid()
			tt.mutate(&creds)
			err := creds.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestTOTPCode(t *testing.T) {
	t.Run("explicit code wins", func(t *testing.T) {
		creds := Credentials{TOTPSecret: "JBSWY3DPEHPK3PXP", TOTP: "654321"}
		code, err := creds.totpCode()
		if err != nil {
			t.Fatalf("totpCode() error = %v", err)
		}
		if code != "654321" {
			t.Errorf("code = %q, want 654321", code)
		}
	})

	t.Run("generated from secret", func(t *testing.T) {
		creds := Credentials{TOTPSecret: "JBSWY3DPEHPK3PXP"}
		code, err := creds.totpCode()
		if err != nil {
			t.Fatalf("totpCode() error = %v", err)
		}
		if len(code) != 6 {
			t.Errorf("code length = %d, want 6", len(code))
		}
	})

	t.Run("bad secret", func(t *testing.T) {
		creds := Credentials{TOTPSecret: "not base32!!"}
		if _, err := creds.totpCode(); err == nil {
			t.Error("totpCode() should fail on invalid secret")
		}
	})
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathLogin {
			t.Errorf("path = %q, want %q", r.URL.Path, pathLogin)
		}
		if r.Header.Get("X-PrivateKey") != "api-key-1" {
			t.Errorf("X-PrivateKey = %q, want api-key-1", r.Header.Get("X-PrivateKey"))
		}
		if r.Header.Get("X-UserType") != "USER" {
			t.Errorf("X-UserType = %q, want USER", r.Header.Get("X-UserType"))
		}
		if r.Header.Get("X-SourceID") != "WEB" {
			t.Errorf("X-SourceID = %q, want WEB", r.Header.Get("X-SourceID"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("login must not carry Authorization, got %q", r.Header.Get("Authorization"))
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["clientcode"] != "A123456" {
			t.Errorf("clientcode = %q, want A123456", body["clientcode"])
		}
		if body["totp"] != "123456" {
			t.Errorf("totp = %q, want 123456", body["totp"])
		}

		w.Write([]byte(`{"status":true,"message":"SUCCESS","errorcode":"","data":{"jwtToken":"jwt-1","refreshToken":"refresh-1","feedToken":"feed-1"}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	session, err := c.Login(context.Background(), Credentials{
		APIKey:     "api-key-1",
		ClientCode: "A123456",
		Password:   "1234",
		TOTP:       "123456",
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if session.Tokens.JWT != "jwt-1" {
		t.Errorf("JWT = %q, want jwt-1", session.Tokens.JWT)
	}
	if session.Tokens.Refresh != "refresh-1" {
		t.Errorf("Refresh = %q, want refresh-1", session.Tokens.Refresh)
	}
	if session.Tokens.Feed != "feed-1" {
		t.Errorf("Feed = %q, want feed-1", session.Tokens.Feed)
	}
	if session.ClientCode != "A123456" {
		t.Errorf("ClientCode = %q, want A123456", session.ClientCode)
	}
	if session.APIKey != "api-key-1" {
		t.Errorf("APIKey = %q, want api-key-1", session.APIKey)
	}
}

func TestLoginRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":false,"message":"Invalid totp","errorcode":"AB1050","data":null}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	_, err := c.Login(context.Background(), Credentials{
		APIKey:     "k",
		ClientCode: "A1",
		Password:   "p",
		TOTP:       "000000",
	})
	if err == nil {
		t.Fatal("Login() should fail on rejected envelope")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error is %T, want *APIError", err)
	}
	if apiErr.ErrorCode != "AB1050" {
		t.Errorf("ErrorCode = %q, want AB1050", apiErr.ErrorCode)
	}
	if apiErr.IsRetryable() {
		t.Error("rejected login must not be retryable")
	}
}

func TestRenewTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathGenerateTokens {
			t.Errorf("path = %q, want %q", r.URL.Path, pathGenerateTokens)
		}
		if r.Header.Get("Authorization") != "Bearer jwt-old" {
			t.Errorf("Authorization = %q, want Bearer jwt-old", r.Header.Get("Authorization"))
		}

		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "refresh-old" {
			t.Errorf("refreshToken = %q, want refresh-old", body["refreshToken"])
		}

		w.Write([]byte(`{"status":true,"message":"SUCCESS","errorcode":"","data":{"jwtToken":"jwt-new","refreshToken":"","feedToken":"feed-new"}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	session := &Session{
		ClientCode: "A123456",
		APIKey:     "k",
		Tokens:     Tokens{JWT: "jwt-old", Refresh: "refresh-old", Feed: "feed-old"},
	}

	if err := c.RenewTokens(context.Background(), session); err != nil {
		t.Fatalf("RenewTokens() error = %v", err)
	}

	if session.Tokens.JWT != "jwt-new" {
		t.Errorf("JWT = %q, want jwt-new", session.Tokens.JWT)
	}
	if session.Tokens.Feed != "feed-new" {
		t.Errorf("Feed = %q, want feed-new", session.Tokens.Feed)
	}
	// Refresh token is kept when the broker omits a replacement.
	if session.Tokens.Refresh != "refresh-old" {
		t.Errorf("Refresh = %q, want refresh-old", session.Tokens.Refresh)
	}
}

func TestLogout(t *testing.T) {
	var called bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != pathLogout {
			t.Errorf("path = %q, want %q", r.URL.Path, pathLogout)
		}
		w.Write([]byte(`{"status":true,"message":"SUCCESS","errorcode":"","data":null}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	session := &Session{ClientCode: "A123456", APIKey: "k", Tokens: Tokens{JWT: "jwt"}}

	if err := c.Logout(context.Background(), session); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if !called {
		t.Error("logout endpoint not called")
	}
}
