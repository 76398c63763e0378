package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerfetch/internal/domain"
)

type stubUsers struct {
	users  map[string]*domain.User
	nextID int64
}

func newStubUsers() *stubUsers {
	return &stubUsers{users: make(map[string]*domain.User)}
}

func (s *stubUsers) Init(ctx context.Context) error { return nil }

func (s *stubUsers) Create(ctx context.Context, user *domain.User) (int64, error) {
	s.nextID++
	user.ID = s.nextID
	clone := *user
	s.users[user.Username] = &clone
	return user.ID, nil
}

func (s *stubUsers) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	clone := *u
	return &clone, nil
}

func (s *stubUsers) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrInvalidCredentials
}

func TestRegisterRequiresSharedSecret(t *testing.T) {
	svc := NewService(newStubUsers(), "letmein", "jwt-secret", time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "password123", "wrong")
	require.ErrorIs(t, err, ErrInvalidRegistrationSecret)

	user, err := svc.Register(ctx, "alice", "password123", "letmein")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Empty(t, user.PasswordHash, "hash must not leak out of Register")
}

func TestRegisterValidatesInput(t *testing.T) {
	svc := NewService(newStubUsers(), "letmein", "jwt-secret", time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, "", "password123", "letmein")
	require.Error(t, err)

	_, err = svc.Register(ctx, "bob", "short", "letmein")
	require.Error(t, err)
}

func TestLoginAndVerifyRoundTrip(t *testing.T) {
	users := newStubUsers()
	svc := NewService(users, "letmein", "jwt-secret", time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "password123", "letmein")
	require.NoError(t, err)

	token, expiresAt, err := svc.Login(ctx, "alice", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	subject, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "1", subject)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	users := newStubUsers()
	svc := NewService(users, "letmein", "jwt-secret", time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "password123", "letmein")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "alice", "nope")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsForgedAndExpiredTokens(t *testing.T) {
	users := newStubUsers()
	svc := NewService(users, "letmein", "jwt-secret", time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "password123", "letmein")
	require.NoError(t, err)

	_, err = svc.Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	// Token signed with a different secret.
	other := NewService(users, "letmein", "other-secret", time.Hour)
	forged, _, err := other.Login(ctx, "alice", "password123")
	require.NoError(t, err)
	_, err = svc.Verify(forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Token already past its TTL.
	expiring := NewService(users, "letmein", "jwt-secret", time.Nanosecond)
	expired, _, err := expiring.Login(ctx, "alice", "password123")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = expiring.Verify(expired)
	require.ErrorIs(t, err, ErrInvalidToken)
}
