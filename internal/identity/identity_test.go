package identity

import (
	"path/filepath"
	"testing"

	"github.com/pcoutinho/pigeon/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRegisterAndLogin(t *testing.T) {
	p := New(testDB(t), nil)

	u, err := p.Register("alice", "password123", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.PasswordHash == "password123" {
		t.Error("password stored in clear")
	}

	token, logged, err := p.Login("alice", "password123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if logged.ID != u.ID {
		t.Errorf("logged in as %s, want %s", logged.ID, u.ID)
	}

	id, ok := p.CurrentUserID(token)
	if !ok || id != u.ID {
		t.Errorf("CurrentUserID = %q, %v; want %s, true", id, ok, u.ID)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	p := New(testDB(t), nil)

	if _, err := p.Register("alice", "password123", ""); err != nil {
		t.Fatal(err)
	}

	if _, _, err := p.Login("alice", "wrong-password"); err != ErrInvalidCredentials {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := p.Login("nobody", "password123"); err != ErrInvalidCredentials {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	p := New(testDB(t), nil)

	if _, err := p.Register("alice", "password123", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Register("alice", "otherpassword", ""); err != ErrUsernameTaken {
		t.Errorf("duplicate register error = %v, want ErrUsernameTaken", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	p := New(testDB(t), nil)

	if _, err := p.Register("alice", "password123", ""); err != nil {
		t.Fatal(err)
	}
	token, _, err := p.Login("alice", "password123")
	if err != nil {
		t.Fatal(err)
	}

	p.Logout(token)
	if _, ok := p.CurrentUserID(token); ok {
		t.Error("token still valid after logout")
	}
	// Logging out twice is harmless.
	p.Logout(token)
}

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"alice", true},
		{"bob_99", true},
		{"ab", false},
		{"Alice", false},
		{"has space", false},
		{"", false},
	}
	for _, tc := range cases {
		err := ValidateUsername(tc.name)
		if tc.valid && err != nil {
			t.Errorf("ValidateUsername(%q) = %v, want nil", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("ValidateUsername(%q) = nil, want error", tc.name)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("short"); err == nil {
		t.Error("short password accepted")
	}
	if err := ValidatePassword("long enough"); err != nil {
		t.Errorf("valid password rejected: %v", err)
	}
}
