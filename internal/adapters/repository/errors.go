package repository

import "errors"

// Sentinel kinds for task store errors.
var (
	ErrNotFound = errors.New("task not found")
	ErrExists   = errors.New("task already exists")
	ErrClosed   = errors.New("task store closed")
)
