package domain

import "errors"

var (
	ErrCapabilityUnavailable  = errors.New("transport capability unavailable")
	ErrMissingServiceID       = errors.New("missing service id")
	ErrInvalidCommandArgument = errors.New("invalid command argument")
	ErrNotConnected           = errors.New("not connected")
	ErrConnectInProgress      = errors.New("connect already in progress")
	ErrRemoteWriteFailed      = errors.New("remote write failed")
	ErrNotFound               = errors.New("accessory not found")
	ErrCommandDecodeIgnored   = errors.New("command payload ignored")
	ErrNotRecognized          = errors.New("command not recognized")
	ErrRefreshDeferred        = errors.New("refresh deferred until pending mutations settle")
)
