// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed     = errors.New("connection not open")                  // operation attempted while the client is not connected
	ErrAlreadyConnected     = errors.New("client already connected")             // connect attempted while a connection is open or being opened
	ErrTokenAlreadyResolved = errors.New("token already resolved")               // a second resolution was attempted for a token; the stored result is unchanged
	ErrDuplicateCorrelation = errors.New("duplicate pending correlation")        // the correlation id already has a registered waiter
	ErrCorrelationReplaced  = errors.New("correlation registration replaced")    // the waiter was abandoned by a later registration for the same id
	ErrQueueClosed          = errors.New("message queue closed")                 // the inbound message queue has been closed and drained
	ErrTokenIDExhausted     = errors.New("token id space exhausted")             // the next token id is still held by a live token
	ErrInvalidConfigType    = errors.New("invalid config type provided")         // a different type of config value was expected to what was received
	ErrMissingTransport     = errors.New("no transport provided")                // connect called with a nil transport
	ErrMissingCorrelationID = errors.New("correlation id must not be empty")     // expect called with an empty correlation id
	ErrOptionsUnreadable    = errors.New("unable to read options from bytes")    // config data could not be parsed
	ErrRejectPublish        = errors.New("publish rejected by hook")             // a hook refused an outbound publish
	ErrClientClosed         = errors.New("client disconnected at user request")  // disconnect reason used when the user calls Disconnect
)

// OperationError indicates that the broker or transport rejected a specific
// outbound operation. It is stored as the terminal error of the affected
// token and never surfaced through any other token.
type OperationError struct {
	Cause   error  // the underlying rejection
	TokenID uint32 // the id of the affected token
}

// Error returns the string representation of the error.
func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %d failed: %v", e.TokenID, e.Cause)
}

// Unwrap returns the underlying cause of the failure.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// ConnectionLostError is fanned out to every pending token, correlation
// waiter, and the message queue when the connection to the broker is lost,
// so that no caller waits past a disconnect.
type ConnectionLostError struct {
	Reason error // why the connection was lost
}

// Error returns the string representation of the error.
func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost: %v", e.Reason)
}

// Unwrap returns the reason the connection was lost.
func (e *ConnectionLostError) Unwrap() error {
	return e.Reason
}

// ReasonCodeError indicates a negative acknowledgement from the broker.
type ReasonCodeError struct {
	Code byte // the reason code returned in the acknowledgement
}

// Error returns the string representation of the error.
func (e *ReasonCodeError) Error() string {
	return fmt.Sprintf("negative acknowledgement: reason code 0x%02x", e.Code)
}
