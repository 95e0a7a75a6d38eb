package gateway

import "errors"

var (
	// ErrNetworkUnreachable covers transient transport failures. Retryable.
	ErrNetworkUnreachable = errors.New("gateway network unreachable")
	// ErrConnectionRefused means the gateway actively refused the connection.
	ErrConnectionRefused = errors.New("gateway connection refused")
	// ErrAuthenticationFailed means the gateway rejected the credential.
	ErrAuthenticationFailed = errors.New("gateway authentication failed")
	// ErrProtocolError is a malformed or unexpected gateway response. Retryable a bounded number of times.
	ErrProtocolError = errors.New("gateway protocol error")
	// ErrProtocolRetriesExhausted wraps a protocol error that persisted after its retries.
	ErrProtocolRetriesExhausted = errors.New("gateway protocol error persisted after retries")

	ErrUnsupportedSNMPVersion = errors.New("unsupported SNMP version")
	errNoStationTable         = errors.New("station table MAC column not configured")
)
