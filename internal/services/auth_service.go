package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/eacon/tokenpay/internal/infrastructure/redis"
	"github.com/eacon/tokenpay/internal/models"
	"github.com/eacon/tokenpay/internal/repository"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 24 * time.Hour

type AuthService interface {
	Register(ctx context.Context, username, password string) (int64, error)
	Login(ctx context.Context, username, password string) (string, error)
}

type authService struct {
	userRepo    repository.UserRepository
	redisClient redis.RedisClient
	jwtSecret   string
}

func NewAuthService(userRepo repository.UserRepository, redisClient redis.RedisClient, jwtSecret string) *authService {
	return &authService{
		userRepo:    userRepo,
		redisClient: redisClient,
		jwtSecret:   jwtSecret,
	}
}

func (s *authService) Register(ctx context.Context, username, password string) (int64, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	if username == "" || password == "" {
		span.SetStatus(codes.Error, "empty username or password")
		return 0, pkgerrors.ErrInvalidInput
	}

	existing, err := s.userRepo.GetByUsername(ctx, username)
	if existing != nil {
		span.SetStatus(codes.Error, "username already exists")
		slog.Warn("username already exists", "username", username, "existing_id", existing.ID)
		return 0, pkgerrors.ErrUsernameExists
	}
	if err != nil && !stderrors.Is(err, pkgerrors.ErrUserNotFound) {
		span.RecordError(err)
		slog.Error("failed to check user existence", "username", username, "error", err)
		return 0, fmt.Errorf("%w: failed to check user existence", pkgerrors.ErrInternal)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to hash password", "username", username, "error", err)
		return 0, fmt.Errorf("%w: failed to hash password", pkgerrors.ErrInternal)
	}

	user := &models.User{
		Username:     username,
		PasswordHash: string(hash),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		span.RecordError(err)
		slog.Error("failed to create user", "username", username, "error", err)
		return 0, fmt.Errorf("%w: failed to create user", pkgerrors.ErrInternal)
	}

	slog.Info("user registered", "user_id", user.ID, "username", username)
	return user.ID, nil
}

func (s *authService) Login(ctx context.Context, username, password string) (string, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		slog.Error("failed to login", "username", username, "error", err)
		return "", pkgerrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		slog.Error("invalid password", "username", username)
		return "", pkgerrors.ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"exp":     time.Now().Add(tokenTTL).Unix(),
	})
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		slog.Error("failed to generate JWT", "error", err)
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	if err := s.redisClient.Set(ctx, fmt.Sprintf("user:%d:token", user.ID), tokenString, tokenTTL); err != nil {
		slog.Error("failed to cache JWT", "user_id", user.ID, "error", err)
	}

	slog.Info("user logged in", "username", username, "user_id", user.ID)
	return tokenString, nil
}
