package services

import (
	"errors"
	"fmt"

	"github.com/webvault/listings/internal/repositories"
)

var (
	// ErrSubjectNotFound indicates the content source has no subject for the slug.
	ErrSubjectNotFound = errors.New("listing service: subject not found")
	// ErrContentUnavailable indicates the content source failed transiently.
	ErrContentUnavailable = errors.New("listing service: content source unavailable")
	// ErrInvalidBrowseQuery signals a browse command with an unusable subject.
	ErrInvalidBrowseQuery = errors.New("listing service: invalid browse query")
)

// translateListingError maps repository failures onto service sentinels so
// callers can branch without importing repository error types. Errors that
// carry no repository classification pass through unchanged.
func translateListingError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrSubjectNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
	}
	return err
}
