package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"opsdash/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func plainAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := plainAdminStore()
	ctx := context.Background()

	manager := NewAuthManager(ctx, "test-secret", time.Hour, store)
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	store := plainAdminStore()
	ctx := context.Background()
	manager := NewAuthManager(ctx, "test-secret", time.Hour, store)

	user, err := manager.CreateUser(ctx, domain.UserCreateRequest{Username: "Analyst", Password: "pass12345"})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Username != "analyst" || user.Role != domain.RoleViewer {
		t.Fatalf("unexpected user %+v", user)
	}

	saved, ok := store.users["analyst"]
	if !ok {
		t.Fatalf("expected user to be saved")
	}
	if !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", saved.Password)
	}

	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "analyst", Password: "pass12345"})
	if err != nil {
		t.Fatalf("login with new user failed: %v", err)
	}
	if resp.Role != domain.RoleViewer {
		t.Fatalf("expected viewer role, got %s", resp.Role)
	}

	if _, err := manager.CreateUser(ctx, domain.UserCreateRequest{Username: "analyst", Password: "pass12345"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
	if _, err := manager.CreateUser(ctx, domain.UserCreateRequest{Username: "someone", Password: "pass12345", Role: "owner"}); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func TestParseTokenRejectsForeignIssuer(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, nil)

	claims := costingClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    "someone-else",
		},
		Role: domain.RoleAdmin,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token from another issuer to be rejected")
	}

	own, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign own: %v", err)
	}
	actor, err := manager.ParseToken(own)
	if err != nil || actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v err %v", actor, err)
	}
}
