package gateway

import "errors"

// ErrNoGateways is returned by Registry.Pick when no gateway is
// configured.
var ErrNoGateways = errors.New("No gateways configured")

// GatewayError is a protocol-level failure reported by the gateway's
// error frame.
type GatewayError struct {
	Code         string
	Message      string
	Retryable    bool
	RetryAfterMs int64
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
