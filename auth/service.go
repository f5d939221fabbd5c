package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"duelcore/store"
)

// ErrInvalidWallet signals a missing or malformed wallet address.
var ErrInvalidWallet = errors.New("auth: invalid wallet address")

// Service issues and verifies session tokens for wallet-identified
// players. It holds no identity state of its own — store.UserRepository
// is the system of record; this layer only wraps it with get-or-create
// semantics and JWT session tokens. Verifying that the caller actually
// controls the wallet (a signature/nonce challenge) happens upstream of
// this service and is not this component's concern.
type Service struct {
	users     *store.UserRepository
	jwtSecret []byte
	ttl       time.Duration
}

// LoginResult bundles the session token and resolved user record.
type LoginResult struct {
	Token string
	User  store.User
}

// NewService creates a session-token service backed by the given user
// repository. ttl is the session token lifetime; callers typically pass
// 24 hours, matching the teacher's default.
func NewService(users *store.UserRepository, jwtSecret string, ttl time.Duration) *Service {
	return &Service{users: users, jwtSecret: []byte(jwtSecret), ttl: ttl}
}

// Login resolves the wallet to a user, creating one on first sight, and
// returns a signed session token. There is no separate Register step:
// a wallet's first successful login is its registration.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet == "" {
		return LoginResult{}, ErrInvalidWallet
	}

	user, err := s.users.GetByWallet(ctx, wallet)
	if errors.Is(err, store.ErrUserNotFound) {
		user, err = s.users.CreateWithWallet(ctx, wallet)
		if errors.Is(err, store.ErrDuplicateWallet) {
			// Lost the race with a concurrent first login; the row exists now.
			user, err = s.users.GetByWallet(ctx, wallet)
		}
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: resolve wallet: %w", err)
	}

	token, err := s.generateToken(user.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, User: user}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a session token and returns the user ID it was
// issued for.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("auth: invalid user_id in token")
	}
	return userID, nil
}

func (s *Service) generateToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(s.ttl).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
