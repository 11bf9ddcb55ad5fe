package errors

import "errors"

// Client errors.
var (
	ErrUnauthorized   = errors.New("account token rejected")
	ErrDialogNotFound = errors.New("dialog not found")
	ErrTooManyPinned  = errors.New("too many pinned dialogs")
	ErrInvalidFolder  = errors.New("invalid folder")
)

// Engine lifecycle errors.
var (
	ErrEngineStopped = errors.New("sync engine stopped")
	ErrAccountExists = errors.New("account already registered")
	ErrNoAccount     = errors.New("account not registered")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
