package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/conduit-lang/relay/internal/web/app"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
	"github.com/conduit-lang/relay/internal/web/serializer"
)

// maxPasswordLength is bcrypt's input limit
const maxPasswordLength = 72

// ErrBadCredentials is returned for unknown users and wrong passwords alike
var ErrBadCredentials = errors.New("invalid username or password")

// HashPassword hashes a plain text password using bcrypt
func HashPassword(password string) (string, error) {
	if len(password) > maxPasswordLength {
		return "", fmt.Errorf("password exceeds maximum length of %d bytes", maxPasswordLength)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CheckPassword compares a plain text password with a bcrypt hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Account is a user that may log in
type Account struct {
	Username     string
	PasswordHash string
	Email        string
	Roles        []string
}

// Accounts looks up accounts by username
type Accounts interface {
	Lookup(ctx context.Context, username string) (*Account, bool, error)
}

// StaticAccounts is an in-memory account table, typically loaded from
// configuration
type StaticAccounts struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewStaticAccounts builds a table from accounts
func NewStaticAccounts(accounts ...*Account) *StaticAccounts {
	s := &StaticAccounts{accounts: make(map[string]*Account, len(accounts))}
	for _, a := range accounts {
		s.Put(a)
	}
	return s
}

// Put adds or replaces an account
func (s *StaticAccounts) Put(account *Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.Username] = account
}

// Lookup implements Accounts
func (s *StaticAccounts) Lookup(_ context.Context, username string) (*Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[username]
	return account, ok, nil
}

// Authenticate checks credentials and returns the matching account
func Authenticate(ctx context.Context, accounts Accounts, username, password string) (*Account, error) {
	account, ok, err := accounts.Lookup(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	if !ok || !CheckPassword(password, account.PasswordHash) {
		return nil, ErrBadCredentials
	}
	return account, nil
}

// LoginSchema is the body schema of the token route
var LoginSchema = serializer.Schema{
	"type":                 "object",
	"required":             []interface{}{"username", "password"},
	"additionalProperties": false,
	"properties": map[string]interface{}{
		"username": map[string]interface{}{"type": "string", "minLength": 1},
		"password": map[string]interface{}{"type": "string", "minLength": 1, "maxLength": maxPasswordLength},
	},
}

// TokenResponseSchema is the 200 response schema of the token route
var TokenResponseSchema = serializer.Schema{
	"type": "object",
	"properties": map[string]interface{}{
		"token":      map[string]interface{}{"type": "string"},
		"token_type": map[string]interface{}{"type": "string"},
		"expires_in": map[string]interface{}{"type": "integer"},
	},
}

// TokenHandler exchanges a username and password for a bearer token.
// Register it with LoginSchema as the body schema.
func TokenHandler(service *Service, accounts Accounts) app.Handler {
	return func(req *request.Request, _ *response.Reply) (interface{}, error) {
		body, ok := req.Body.(map[string]interface{})
		if !ok {
			return nil, response.BadRequest("expected a JSON object")
		}
		username, _ := body["username"].(string)
		password, _ := body["password"].(string)

		account, err := Authenticate(req.Context(), accounts, username, password)
		if err != nil {
			if errors.Is(err, ErrBadCredentials) {
				return nil, response.NewHTTPError(http.StatusUnauthorized, err.Error()).WithCode("invalid_credentials")
			}
			return nil, err
		}

		token, err := service.GenerateToken(account.Username, account.Email, account.Roles)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"token":      token,
			"token_type": "Bearer",
			"expires_in": int64(service.tokenTTL.Seconds()),
		}, nil
	}
}
