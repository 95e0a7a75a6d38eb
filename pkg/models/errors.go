package models

import "errors"

var (
	errInvalidDuration = errors.New("invalid duration")

	// ErrInvalidMAC is returned when a link-layer address cannot be normalized.
	ErrInvalidMAC = errors.New("invalid MAC address")
	// ErrMissingHostname is returned when a gateway has neither hostname nor serial.
	ErrMissingHostname = errors.New("gateway descriptor requires a hostname or serial")
	// ErrInvalidPort is returned for gateway ports outside 1-65535.
	ErrInvalidPort = errors.New("gateway port out of range")
)
