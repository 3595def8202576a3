package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTransientStore = errors.New("transient store failure")
	ErrBackpressure   = errors.New("pending commit queue is full")
)
