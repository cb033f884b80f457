package store

import (
	"context"
	"testing"
	"time"

	"github.com/sellmair/broadheart/heart"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user := heart.User{Id: 42, Name: "Alice"}
	if err := s.SaveUser(ctx, user); err != nil {
		t.Fatalf("save user: %v", err)
	}

	got, err := s.GetUser(ctx, 42)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got != user {
		t.Errorf("expected %v, got %v", user, got)
	}
}

func TestGetUnknownUserFails(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetUser(context.Background(), 999); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestSaveUserUpsertsName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveUser(ctx, heart.User{Id: 1, Name: "Alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := s.SaveUser(ctx, heart.User{Id: 1, Name: "Alicia"}); err != nil {
		t.Fatalf("save user again: %v", err)
	}

	got, err := s.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Name != "Alicia" {
		t.Errorf("expected refreshed name Alicia, got %s", got.Name)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("upsert must not duplicate, got %d users", len(users))
	}
}

func TestListUsersKeepsFirstSeenOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, user := range []heart.User{
		{Id: 1, Name: "Me", IsMe: true},
		{Id: 2, Name: "Alice"},
		{Id: 3, Name: "Bob"},
	} {
		if err := s.SaveUser(ctx, user); err != nil {
			t.Fatalf("save user: %v", err)
		}
	}
	// Re-saving Bob must not move him to the front.
	if err := s.SaveUser(ctx, heart.User{Id: 3, Name: "Bob"}); err != nil {
		t.Fatalf("save user: %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	for i, expected := range []heart.UserId{1, 2, 3} {
		if users[i].Id != expected {
			t.Errorf("position %d: expected id %d, got %v", i, expected, users[i])
		}
	}
	if !users[0].IsMe {
		t.Errorf("expected IsMe to round-trip, got %v", users[0])
	}
}

func TestAges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveUser(ctx, heart.User{Id: 1, Name: "Alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	year := time.Now().Year()
	if err := s.SetBirthYear(ctx, 1, year-34); err != nil {
		t.Fatalf("set birth year: %v", err)
	}
	// Updating the profile replaces the old value.
	if err := s.SetBirthYear(ctx, 1, year-35); err != nil {
		t.Fatalf("update birth year: %v", err)
	}

	ages, err := s.Ages(ctx)
	if err != nil {
		t.Fatalf("ages: %v", err)
	}
	if len(ages) != 1 || ages[1] != 35 {
		t.Errorf("expected {1: 35}, got %v", ages)
	}
}

func TestAgesEmptyWithoutProfiles(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveUser(context.Background(), heart.User{Id: 1, Name: "Alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	ages, err := s.Ages(context.Background())
	if err != nil {
		t.Fatalf("ages: %v", err)
	}
	if len(ages) != 0 {
		t.Errorf("expected no ages without profiles, got %v", ages)
	}
}
