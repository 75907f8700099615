package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// RoleAdmin is the only role tokens are issued for.
const RoleAdmin = "admin"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	// ErrDisabled means no signing secret is configured.
	ErrDisabled = errors.New("admin auth disabled")
)

type Admin struct {
	ID          int64
	Username    string
	LastLoginAt *time.Time
}

// Claims identify an authenticated admin.
type Claims struct {
	AdminID  int64
	Username string
	Role     string
}

// Store is the admin account persistence.
type Store interface {
	Upsert(ctx context.Context, username, passwordHash string) error
	GetByUsername(ctx context.Context, username string) (*Admin, string, error)
	TouchLogin(ctx context.Context, id int64) error
}

type Service interface {
	Login(ctx context.Context, username, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

type service struct {
	repo   Store
	secret []byte
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time
}

func NewService(repo Store, secret string, ttl time.Duration, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &service{repo: repo, secret: []byte(secret), ttl: ttl, log: log, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Bootstrap stores the configured admin. passwordHash must already be a
// bcrypt hash; plain passwords are rejected.
func (s *service) Bootstrap(ctx context.Context, username, passwordHash string) error {
	if username == "" || passwordHash == "" {
		return nil
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return errors.New("auth: admin password hash is not a bcrypt hash")
	}
	if err := s.repo.Upsert(ctx, username, passwordHash); err != nil {
		return err
	}
	s.log.Info("admin account ensured", "username", username)
	return nil
}

func (s *service) Login(ctx context.Context, username, password string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrDisabled
	}
	admin, hash, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if admin == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		s.log.Warn("admin login rejected", "username", username)
		return "", ErrInvalidCredentials
	}
	if err := s.repo.TouchLogin(ctx, admin.ID); err != nil {
		s.log.Warn("record admin login", "admin_id", admin.ID, "error", err)
	}
	return s.issueToken(admin)
}

func (s *service) issueToken(a *Admin) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(a.ID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Username: a.Username,
		Role:     RoleAdmin,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, ErrDisabled
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Role != RoleAdmin {
		return nil, ErrInvalidToken
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Claims{AdminID: id, Username: c.Username, Role: c.Role}, nil
}
