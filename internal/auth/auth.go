// Package auth protects the control API: HTTP basic credentials checked
// against bcrypt hashes from the config, exchanged for short-lived JWTs.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	RoleAdmin  = "admin"  // read and write
	RoleViewer = "viewer" // read only

	ActionRead  = "read"
	ActionWrite = "write"

	DefaultTokenTTL = 24 * time.Hour
)

// User is one [[server.auth.users]] entry.
type User struct {
	Username     string   `toml:"username" mapstructure:"username"`
	PasswordHash string   `toml:"password_hash" mapstructure:"password_hash"`
	Roles        []string `toml:"roles" mapstructure:"roles"`
}

// Config is the [server.auth] section.
type Config struct {
	Enabled   bool          `toml:"enabled" mapstructure:"enabled"`
	JWTSecret string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	Users     []User        `toml:"users" mapstructure:"users"`
}

// Token is a signed bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result describes an authenticated caller.
type Result struct {
	Success  bool     `json:"success"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Token    *Token   `json:"token,omitempty"`
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

type Service struct {
	users  map[string]User
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService builds a Service from cfg. An empty JWTSecret gets a random one,
// so tokens do not survive a restart.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Users) == 0 {
		return nil, errors.New("auth enabled but no users configured")
	}
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("auth user %q needs username and password_hash", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth user %s: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		users[u.Username] = u
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{users: users, secret: secret, ttl: ttl, now: time.Now}, nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Login checks username/password and issues a token.
func (s *Service) Login(username, password string) (*Result, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return &Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return &Result{}, ErrInvalidCredentials
	}
	tok, err := s.issue(u)
	if err != nil {
		return &Result{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return &Result{Success: true, Username: u.Username, Roles: u.Roles, Token: tok}, nil
}

func (s *Service) issue(u User) (*Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	c := claims{
		Roles: u.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			Issuer:    "svckeeper",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return nil, err
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: exp}, nil
}

// VerifyToken validates a bearer token.
func (s *Service) VerifyToken(value string) (*Result, error) {
	if value == "" {
		return &Result{}, ErrInvalidCredentials
	}
	var c claims
	tok, err := jwt.ParseWithClaims(value, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer("svckeeper"))
	if err != nil || !tok.Valid {
		return &Result{}, ErrInvalidCredentials
	}
	if _, ok := s.users[c.Subject]; !ok {
		return &Result{}, ErrInvalidCredentials
	}
	return &Result{Success: true, Username: c.Subject, Roles: c.Roles}, nil
}

// Authenticate accepts a Bearer token or basic credentials.
func (s *Service) Authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return s.VerifyToken(strings.TrimSpace(value))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return s.Login(username, password)
	}
	return &Result{}, ErrInvalidCredentials
}

// HasPermission reports whether any of roles allows action.
func HasPermission(roles []string, action string) bool {
	for _, r := range roles {
		switch r {
		case RoleAdmin:
			return true
		case RoleViewer:
			if action == ActionRead {
				return true
			}
		}
	}
	return false
}
