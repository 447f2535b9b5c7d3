package identity

import (
	"fmt"
	"regexp"
)

var usernameRegexp = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// ValidateUsername checks that name conforms to account naming rules.
func ValidateUsername(name string) error {
	if !usernameRegexp.MatchString(name) {
		return fmt.Errorf("invalid username %q: must match ^[a-z0-9_]{3,32}$", name)
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password too short: need at least 8 characters")
	}
	return nil
}
