package errors

import "errors"

// Store errors.
var (
	ErrStoreClosed = errors.New("local store is closed")
	ErrNotFound    = errors.New("record not found")
)

// Sync errors.
var (
	ErrAlreadySyncing  = errors.New("sync already in progress")
	ErrOffline         = errors.New("host is offline")
	ErrNotConnected    = errors.New("realtime connection is not established")
	ErrUnknownAction   = errors.New("unknown action type")
	ErrMalformedAction = errors.New("malformed action payload")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// NonRetryable reports whether err is a contract error that no amount of
// retrying will fix.
func NonRetryable(err error) bool {
	return errors.Is(err, ErrUnknownAction) || errors.Is(err, ErrMalformedAction)
}
