package gadget

import "errors"

// Sentinel errors returned by the gadget controller and function runtimes.
// Test with errors.Is; the concrete error usually wraps one of these with
// context via fmt.Errorf("...: %w", ...).
var (
	ErrAlreadyBound         = errors.New("gadget: already bound")
	ErrNotBound             = errors.New("gadget: not bound")
	ErrNoUDC                = errors.New("gadget: no UDC found")
	ErrAmbiguousUDC         = errors.New("gadget: multiple UDCs found, none specified")
	ErrBindTimeout          = errors.New("gadget: timed out waiting for functions to become ready")
	ErrWaitStateTimeout     = errors.New("gadget: timed out waiting for device state")
	ErrUnsupportedOperation = errors.New("gadget: unsupported operation")
	ErrWrongDirection       = errors.New("gadget: endpoint address has the wrong direction")
	ErrUnknownEndpoint      = errors.New("gadget: unknown endpoint address")
	ErrDisposed             = errors.New("gadget: function is disposed")
	ErrInvalidConfiguration = errors.New("gadget: invalid configuration")
)
