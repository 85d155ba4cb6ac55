package services

import "errors"

var (
	// ErrSessionNotFound indicates no live session exists for the given id.
	ErrSessionNotFound = errors.New("session service: session not found")
	// ErrSessionRegistryFull indicates the registry hit its configured capacity.
	ErrSessionRegistryFull = errors.New("session service: registry full")
	// ErrInvalidSubject signals an unknown page kind or an empty subject slug.
	ErrInvalidSubject = errors.New("session service: invalid subject")
	// ErrFilterDisabled marks intents targeting a filter the page config disables.
	ErrFilterDisabled = errors.New("session service: filter disabled for this page")
	// ErrSubjectTagImmutable rejects removal of the tag that identifies a tag page.
	ErrSubjectTagImmutable = errors.New("session service: subject tag cannot be removed")
	// ErrRetryExhausted indicates the retry budget is spent; the caller must
	// clear errors or refresh before retrying again.
	ErrRetryExhausted = errors.New("session service: retries exhausted")
)
