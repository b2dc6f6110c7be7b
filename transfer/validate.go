package transfer

import (
	"fmt"
	"strings"
)

// ValidateFilename rejects names that could confuse shells or escape the
// destination directory. It must pass before any state transition or
// filesystem access.
func ValidateFilename(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return nil
}

// ValidateFolderName applies the same rules to shared folder names.
func ValidateFolderName(name string) error {
	return validateName(name)
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(trimmed, `<>|`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(trimmed, `/\`) || strings.Contains(trimmed, "\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
