package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/eacon/tokenpay/internal/models"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testJWTSecret = "test-secret"

type fakeUserRepo struct {
	byUsername map[string]*models.User
	createErr  error
	nextID     int64
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byUsername: make(map[string]*models.User)}
}

func (f *fakeUserRepo) Create(_ context.Context, user *models.User) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	user.ID = f.nextID
	copied := *user
	f.byUsername[user.Username] = &copied
	return nil
}

func (f *fakeUserRepo) GetByID(_ context.Context, id int64) (*models.User, error) {
	for _, u := range f.byUsername {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, pkgerrors.ErrUserNotFound
}

func (f *fakeUserRepo) GetByUsername(_ context.Context, username string) (*models.User, error) {
	u, ok := f.byUsername[username]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUserRepo) GetBalance(context.Context, int64) (int64, error) {
	return 0, nil
}

type fakeRedis struct {
	values map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", fmt.Errorf("key not found")
	}
	return v, nil
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.values[key] = fmt.Sprint(value)
	return nil
}

func (f *fakeRedis) Del(_ context.Context, key string) error {
	delete(f.values, key)
	return nil
}

func (f *fakeRedis) Incr(_ context.Context, key string) (int64, error) {
	return 1, nil
}

func (f *fakeRedis) Expire(context.Context, string, time.Duration) error {
	return nil
}

func (f *fakeRedis) Close() error { return nil }

func TestAuthService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("success hashes the password", func(t *testing.T) {
		repo := newFakeUserRepo()
		svc := NewAuthService(repo, newFakeRedis(), testJWTSecret)

		id, err := svc.Register(ctx, "alice", "s3cret")
		assert.NoError(t, err)
		assert.Equal(t, int64(1), id)

		stored := repo.byUsername["alice"]
		require.NotNil(t, stored)
		assert.NotEqual(t, "s3cret", stored.PasswordHash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("s3cret")))
	})

	t.Run("empty credentials rejected", func(t *testing.T) {
		svc := NewAuthService(newFakeUserRepo(), newFakeRedis(), testJWTSecret)

		_, err := svc.Register(ctx, "", "s3cret")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
		_, err = svc.Register(ctx, "alice", "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("duplicate username rejected", func(t *testing.T) {
		repo := newFakeUserRepo()
		svc := NewAuthService(repo, newFakeRedis(), testJWTSecret)

		_, err := svc.Register(ctx, "alice", "s3cret")
		require.NoError(t, err)
		_, err = svc.Register(ctx, "alice", "other")
		assert.ErrorIs(t, err, pkgerrors.ErrUsernameExists)
	})
}

func TestAuthService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("success returns a signed token and caches it", func(t *testing.T) {
		repo := newFakeUserRepo()
		cache := newFakeRedis()
		svc := NewAuthService(repo, cache, testJWTSecret)

		_, err := svc.Register(ctx, "alice", "s3cret")
		require.NoError(t, err)

		tokenString, err := svc.Login(ctx, "alice", "s3cret")
		assert.NoError(t, err)
		require.NotEmpty(t, tokenString)

		token, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
			return []byte(testJWTSecret), nil
		})
		require.NoError(t, err)
		claims, ok := token.Claims.(jwt.MapClaims)
		require.True(t, ok)
		assert.Equal(t, float64(1), claims["user_id"])

		assert.Equal(t, tokenString, cache.values["user:1:token"])
	})

	t.Run("wrong password", func(t *testing.T) {
		repo := newFakeUserRepo()
		svc := NewAuthService(repo, newFakeRedis(), testJWTSecret)

		_, err := svc.Register(ctx, "alice", "s3cret")
		require.NoError(t, err)

		_, err = svc.Login(ctx, "alice", "wrong")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
	})

	t.Run("unknown user", func(t *testing.T) {
		svc := NewAuthService(newFakeUserRepo(), newFakeRedis(), testJWTSecret)

		_, err := svc.Login(ctx, "ghost", "s3cret")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
	})
}
