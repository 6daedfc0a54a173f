package app

import (
	"errors"

	"github.com/florianilch/spo-archiver/internal/publisher"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitDegraded = 2
	ExitConfig   = 3
)

// ConfigError reports configuration that cannot be used, including a client
// secret that cannot be read.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	var configErr *ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &configErr):
		return ExitConfig
	case errors.Is(err, publisher.ErrDegraded):
		return ExitDegraded
	default:
		return ExitFatal
	}
}
