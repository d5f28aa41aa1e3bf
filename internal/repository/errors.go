package repository

import "errors"

var (
	// ErrNotFound is returned by mutations that target a missing row.
	// Lookups return (nil, nil) instead.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a client_order_id already exists.
	ErrDuplicate = errors.New("duplicate client_order_id")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
