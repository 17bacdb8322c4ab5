package config

import (
	"errors"
)

// Sentinel errors returned by Load, LoadFile and Validate.
var (
	// ErrInvalidConfig wraps the first setting Validate rejects.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrLoadConfig wraps file, env and unmarshal failures.
	ErrLoadConfig = errors.New("load config failed")
)
