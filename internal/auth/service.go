package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	// PermOperator reads devices, blocks and the sniffer.
	PermOperator Permission = "operator"
	// PermTechnician arms sets, writes blocks and timing attributes.
	PermTechnician Permission = "technician"
	// PermAdmin registers devices and changes bindings.
	PermAdmin Permission = "admin"
)

const (
	RoleOperator   = "operator"
	RoleTechnician = "technician"
	RoleAdmin      = "admin"
)

const (
	maxFailedAttempts = 5
	lockoutDuration   = 15 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
)

type account struct {
	config.UserConfig
	failed      int
	lockedUntil time.Time
}

// AuthService authenticates the static accounts from the configuration.
type AuthService struct {
	enabled        bool
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger

	mu       sync.Mutex
	accounts map[string]*account
	now      func() time.Time
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if !cfg.IsProductionReady() && cfg.Enabled {
		logger.Warn("Using development JWT secret", zap.String("env", cfg.JWTSecretEnv))
	}

	accounts := make(map[string]*account, len(cfg.Users))
	for _, u := range cfg.Users {
		accounts[u.Username] = &account{UserConfig: u}
	}

	return &AuthService{
		enabled:        cfg.Enabled,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		logger:         logger,
		accounts:       accounts,
		now:            time.Now,
	}
}

func (a *AuthService) Enabled() bool { return a.enabled }

func (a *AuthService) TokenTTL() time.Duration { return a.jwtHandler.TTL() }

// LoginUser verifies the password and issues an access token.
func (a *AuthService) LoginUser(username, password, ipAddress string) (string, error) {
	a.mu.Lock()
	acc, ok := a.accounts[username]
	if !ok {
		a.mu.Unlock()
		a.logger.Info("Login failed", zap.String("username", username),
			zap.String("ip", ipAddress), zap.String("reason", "unknown user"))
		return "", ErrInvalidCredentials
	}
	if a.now().Before(acc.lockedUntil) {
		until := acc.lockedUntil
		a.mu.Unlock()
		return "", fmt.Errorf("%w until %s", ErrAccountLocked, until.Format(time.RFC3339))
	}
	hash, role := acc.PasswordHash, acc.Role
	a.mu.Unlock()

	valid, err := a.passwordHasher.VerifyPassword(password, hash)
	if err != nil || !valid {
		a.mu.Lock()
		acc.failed++
		if acc.failed >= maxFailedAttempts {
			acc.lockedUntil = a.now().Add(lockoutDuration)
			acc.failed = 0
		}
		a.mu.Unlock()
		a.logger.Info("Login failed", zap.String("username", username),
			zap.String("ip", ipAddress), zap.String("reason", "invalid password"), zap.Error(err))
		return "", ErrInvalidCredentials
	}

	a.mu.Lock()
	acc.failed = 0
	a.mu.Unlock()
	if a.passwordHasher.NeedsRehash(hash) {
		a.logger.Warn("Password hash below current cost, run hash-password again", zap.String("username", username))
	}

	token, err := a.jwtHandler.GenerateAccessToken(username, role)
	if err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}
	a.logger.Info("User logged in", zap.String("username", username), zap.String("role", role))
	return token, nil
}

// ValidateToken resolves an access token into its claims and permissions.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return claims, RolePermissions(claims.Role), nil
}

// RolePermissions maps a role to its permissions. Unknown roles get none.
func RolePermissions(role string) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case RoleTechnician:
		return []Permission{PermOperator, PermTechnician}
	case RoleOperator:
		return []Permission{PermOperator}
	default:
		return nil
	}
}

func HasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == required {
			return true
		}
	}
	return false
}
