package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NicolasHaas/linechat/pkg/datastore"
	"github.com/NicolasHaas/linechat/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.SQLStore, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

// newTestPostgres opens the database named by LINECHAT_TEST_POSTGRES_DSN and
// truncates both tables. It returns nil when the variable is unset.
func newTestPostgres(t *testing.T) *datastore.SQLStore {
	t.Helper()

	dsn := os.Getenv("LINECHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		return nil
	}
	ctx := context.Background()
	st, err := datastore.Open(ctx, datastore.Options{Driver: datastore.DriverPostgres, DSN: dsn})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Truncate(ctx); err != nil {
		t.Fatalf("truncate postgres: %v", err)
	}
	return st
}

// withStores runs fn against every available DataStore provider. Postgres
// subtests share one database, so they run sequentially.
func withStores(t *testing.T, fn func(t *testing.T, st datastore.DataStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		st, err := NewTestSqlConn(t)
		if err != nil {
			t.Fatalf("failed to open test connection: %v", err)
		}
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, datastore.NewMemory())
	})
	t.Run("postgres", func(t *testing.T) {
		st := newTestPostgres(t)
		if st == nil {
			t.Skip("LINECHAT_TEST_POSTGRES_DSN not set")
		}
		fn(t, st)
	})
}

func TestCreateUser(t *testing.T) {
	type tcase struct {
		username  string
		wantName  string
		expectErr error
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			username: "johndoe",
			wantName: "johndoe",
		},
		"surrounding_whitespace_trimmed": {
			username: "  alice  ",
			wantName: "alice",
		},
		"injection_username": { // quotes, spaces and equals are not allowed
			username:  "' OR '1'='1",
			expectErr: model.ErrUsernameInvalidChars,
		},
		"empty_username": {
			username:  "",
			expectErr: model.ErrUsernameEmpty,
		},
		"full_username": { // 33 characters
			username:  strings.Repeat("a", model.MaxUsernameLength+1),
			expectErr: model.ErrUsernameTooLong,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			withStores(t, func(t *testing.T, st datastore.DataStore) {
				got, err := st.CreateUser(context.Background(), tc.username, "hash")
				if tc.expectErr != nil {
					if !errors.Is(err, tc.expectErr) {
						t.Fatalf("CreateUser: expected %v, got %v", tc.expectErr, err)
					}
					return
				}
				if err != nil {
					t.Fatalf("CreateUser: unexpected error: %v", err)
				}

				want := &model.User{
					Username:     tc.wantName,
					PasswordHash: "hash",
				}
				if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.User{}, "ID", "CreatedAt")); diff != "" {
					t.Errorf("CreateUser mismatch (-want +got):\n%s", diff)
				}
				if got.ID == 0 {
					t.Errorf("CreateUser: expected non-zero ID")
				}
			})
		})
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		if _, err := st.CreateUser(ctx, "alice", "h1"); err != nil {
			t.Fatalf("CreateUser: unexpected error: %v", err)
		}
		for _, dup := range []string{"alice", "ALICE", "Alice"} {
			if _, err := st.CreateUser(ctx, dup, "h2"); !errors.Is(err, datastore.ErrUsernameTaken) {
				t.Errorf("CreateUser(%q): expected ErrUsernameTaken, got %v", dup, err)
			}
		}

		users, err := st.ListUsers(ctx)
		if err != nil {
			t.Fatalf("ListUsers: unexpected error: %v", err)
		}
		if len(users) != 1 {
			t.Fatalf("ListUsers: expected 1 user, got %d", len(users))
		}
		if users[0].PasswordHash != "h1" {
			t.Errorf("duplicate registration overwrote the stored hash")
		}
	})
}

func TestGetUserByUsername(t *testing.T) {
	type tcase struct {
		seed       string
		lookup     string
		expectUser bool
	}

	tests := map[string]tcase{
		"exact_match": {
			seed:       "johndoe",
			lookup:     "johndoe",
			expectUser: true,
		},
		"case_insensitive": {
			seed:       "JohnDoe",
			lookup:     "johndoe",
			expectUser: true,
		},
		"no_user_exists": {
			lookup:     "janedoe",
			expectUser: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withStores(t, func(t *testing.T, st datastore.DataStore) {
				ctx := context.Background()
				var seeded *model.User
				if tc.seed != "" {
					u, err := st.CreateUser(ctx, tc.seed, "hash")
					if err != nil {
						t.Fatalf("CreateUser: failed to seed user: %v", err)
					}
					seeded = u
				}

				got, err := st.GetUserByUsername(ctx, tc.lookup)
				if err != nil {
					t.Fatalf("GetUserByUsername: unexpected error: %v", err)
				}
				if !tc.expectUser {
					if got != nil {
						t.Fatalf("GetUserByUsername: expected nil, got %+v", got)
					}
					return
				}
				if diff := cmp.Diff(seeded, got); diff != "" {
					t.Fatalf("GetUserByUsername mismatch (-want +got):\n%s", diff)
				}
			})
		})
	}
}

func TestSaveAndListMessages(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		alice, err := st.CreateUser(ctx, "alice", "hash")
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		bob, err := st.CreateUser(ctx, "bob", "hash")
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		save := func(userID int64, text string, at time.Time) {
			t.Helper()
			if _, err := st.SaveMessage(ctx, userID, text, at); err != nil {
				t.Fatalf("SaveMessage(%q): %v", text, err)
			}
		}
		// Inserted out of order; "tie-1" and "tie-2" share a timestamp.
		save(alice.ID, "third", base.Add(2*time.Minute))
		save(alice.ID, "first", base)
		save(bob.ID, "bob says hi", base.Add(time.Minute))
		save(alice.ID, "tie-1", base.Add(time.Minute))
		save(alice.ID, "tie-2", base.Add(time.Minute))

		got, err := st.MessagesByUser(ctx, alice.ID)
		if err != nil {
			t.Fatalf("MessagesByUser: %v", err)
		}
		want := []model.Message{
			{UserID: alice.ID, Text: "first", CreatedAt: base},
			{UserID: alice.ID, Text: "tie-1", CreatedAt: base.Add(time.Minute)},
			{UserID: alice.ID, Text: "tie-2", CreatedAt: base.Add(time.Minute)},
			{UserID: alice.ID, Text: "third", CreatedAt: base.Add(2 * time.Minute)},
		}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.Message{}, "ID")); diff != "" {
			t.Errorf("MessagesByUser mismatch (-want +got):\n%s", diff)
		}

		none, err := st.MessagesByUser(ctx, 9999)
		if err != nil {
			t.Fatalf("MessagesByUser(unknown): %v", err)
		}
		if len(none) != 0 {
			t.Errorf("MessagesByUser(unknown): expected no messages, got %d", len(none))
		}
	})
}

func TestSaveMessageRejects(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		u, err := st.CreateUser(ctx, "alice", "hash")
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		if _, err := st.SaveMessage(ctx, u.ID, "   ", time.Now()); !errors.Is(err, model.ErrMessageTextEmpty) {
			t.Errorf("SaveMessage(blank): expected ErrMessageTextEmpty, got %v", err)
		}
		if _, err := st.SaveMessage(ctx, u.ID+100, "orphan", time.Now()); !errors.Is(err, datastore.ErrUnknownUser) {
			t.Errorf("SaveMessage(unknown user): expected ErrUnknownUser, got %v", err)
		}
	})
}

func TestGetUserWithMessages(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		u, err := st.CreateUser(ctx, "alice", "hash")
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		got, err := st.GetUserWithMessages(ctx, "ALICE")
		if err != nil {
			t.Fatalf("GetUserWithMessages: %v", err)
		}
		if got == nil || got.ID != u.ID {
			t.Fatalf("GetUserWithMessages: expected user %d, got %+v", u.ID, got)
		}
		if len(got.Messages) != 0 {
			t.Fatalf("GetUserWithMessages: expected no messages, got %d", len(got.Messages))
		}

		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		for i, text := range []string{"one", "two", "three"} {
			if _, err := st.SaveMessage(ctx, u.ID, text, base.Add(time.Duration(i)*time.Second)); err != nil {
				t.Fatalf("SaveMessage: %v", err)
			}
		}

		got, err = st.GetUserWithMessages(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUserWithMessages: %v", err)
		}
		var texts []string
		for _, m := range got.Messages {
			texts = append(texts, m.Text)
		}
		if diff := cmp.Diff([]string{"one", "two", "three"}, texts); diff != "" {
			t.Errorf("GetUserWithMessages order mismatch (-want +got):\n%s", diff)
		}

		missing, err := st.GetUserWithMessages(ctx, "nobody")
		if err != nil {
			t.Fatalf("GetUserWithMessages(nobody): %v", err)
		}
		if missing != nil {
			t.Errorf("GetUserWithMessages(nobody): expected nil, got %+v", missing)
		}
	})
}

func TestListUsers(t *testing.T) {
	withStores(t, func(t *testing.T, st datastore.DataStore) {
		ctx := context.Background()
		for _, name := range []string{"carol", "alice", "bob"} {
			if _, err := st.CreateUser(ctx, name, "hash-"+name); err != nil {
				t.Fatalf("CreateUser(%q): %v", name, err)
			}
		}

		users, err := st.ListUsers(ctx)
		if err != nil {
			t.Fatalf("ListUsers: %v", err)
		}
		want := []model.User{
			{Username: "carol", PasswordHash: "hash-carol"},
			{Username: "alice", PasswordHash: "hash-alice"},
			{Username: "bob", PasswordHash: "hash-bob"},
		}
		if diff := cmp.Diff(want, users, cmpopts.IgnoreFields(model.User{}, "ID", "CreatedAt")); diff != "" {
			t.Errorf("ListUsers mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	st, err := datastore.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	u, err := st.CreateUser(ctx, "alice", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := st.SaveMessage(ctx, u.ID, "persisted", time.Now()); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = datastore.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	got, err := st.GetUserWithMessages(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserWithMessages: %v", err)
	}
	if got == nil || len(got.Messages) != 1 || got.Messages[0].Text != "persisted" {
		t.Fatalf("reopened store lost data: %+v", got)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := datastore.Open(context.Background(), datastore.Options{Driver: "mysql"}); err == nil {
		t.Fatalf("Open: expected error for unsupported driver")
	}
}

func TestMemoryClock(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	st := datastore.NewMemoryWithClock(func() time.Time { return fixed })

	u, err := st.CreateUser(context.Background(), "alice", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if !u.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", u.CreatedAt, fixed)
	}
}
