package services

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// validateAddress rejects anything that is not a literal IPv4 or IPv6 address
func validateAddress(address string) error {
	if err := validate.Var(address, "required,ip"); err != nil {
		return fmt.Errorf("%w: %q", models.ErrInvalidAddress, address)
	}
	return nil
}

// validateIdentity accepts usernames, e-mail addresses and account ids.
// Control characters are rejected so identities are safe to embed in store keys and logs.
func validateIdentity(identity string) error {
	if err := validate.Var(identity, "required,max=254"); err != nil {
		return fmt.Errorf("%w: length", models.ErrInvalidIdentifier)
	}
	if strings.TrimSpace(identity) != identity {
		return fmt.Errorf("%w: surrounding whitespace", models.ErrInvalidIdentifier)
	}
	for _, r := range identity {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character", models.ErrInvalidIdentifier)
		}
	}
	return nil
}

// normalizeIdentity folds case so that "Alice" and "alice" share one counter
func normalizeIdentity(identity string) string {
	return strings.ToLower(identity)
}
