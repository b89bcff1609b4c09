package errors

import (
	"errors"
)

// Common errors.
var (
	ErrConfigCannotBeNil = errors.New("config cannot be nil")
	ErrReferenceLoad     = errors.New("reference domain list cannot be loaded")
	ErrUpstreamTransport = errors.New("upstream transport error")
	ErrUpstreamHTTP      = errors.New("upstream http error")
	ErrListenerStarted   = errors.New("listener already started")
	ErrClassifierNotSet  = errors.New("classifier not set")
	ErrEmptyDomain       = errors.New("domain cannot be empty")
)
