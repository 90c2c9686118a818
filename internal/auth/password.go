package auth

import (
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"budget-api/internal/apperror"
)

const passwordSymbols = "!@#$%^&*()_+-=[]{};':\"|,.<>/?`~"

// ValidatePassword enforces the full complexity policy at every call site
// that accepts a new password (registration and reset alike).
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return apperror.NewValidation("password must be at least 8 characters")
	}

	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(passwordSymbols, r):
			hasSymbol = true
		}
	}

	switch {
	case !hasLower:
		return apperror.NewValidation("password must contain a lowercase letter")
	case !hasUpper:
		return apperror.NewValidation("password must contain an uppercase letter")
	case !hasDigit:
		return apperror.NewValidation("password must contain a digit")
	case !hasSymbol:
		return apperror.NewValidation("password must contain a symbol")
	}

	return nil
}

func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
