package service

import "errors"

var (
	// ErrValidation covers malformed dates, inverted ranges and future end dates.
	ErrValidation = errors.New("invalid sync request")
	// ErrActiveJobExists is returned when a resume would give the owner a second active job.
	ErrActiveJobExists = errors.New("owner already has an active sync job")
	// ErrJobNotFound also covers jobs owned by someone else.
	ErrJobNotFound = errors.New("sync job not found")
	// ErrInvalidTransition is returned for resume or cancel from a status that forbids it.
	ErrInvalidTransition = errors.New("sync job cannot make that transition")
	ErrProviderNotLinked = errors.New("no provider account linked")
)
