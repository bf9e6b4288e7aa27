package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a row violates a uniqueness rule.
	ErrDuplicate = errors.New("duplicate")

	// ErrLocked is returned when a row lock is held by another worker.
	ErrLocked = errors.New("locked by another worker")

	// ErrInvalid is returned when a row fails validation.
	ErrInvalid = errors.New("invalid")
)

// translate maps gorm errors onto the package sentinels and adds context.
func translate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf(format, args...)

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", msg, ErrDuplicate)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
