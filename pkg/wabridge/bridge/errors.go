package bridge

import (
	"errors"
	"fmt"
)

// Errors returned by the service. Driver errors from write operations are
// returned as they are.
var (
	ErrNotConnected    = errors.New("whatsapp is not connected")
	ErrNotFound        = errors.New("not found")
	ErrNoChallenge     = errors.New("no QR code available")
	ErrInvalidArgument = errors.New("invalid argument")
)

func notFound(kind, query string) error {
	return fmt.Errorf("%w: no %s matching %q", ErrNotFound, kind, query)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
