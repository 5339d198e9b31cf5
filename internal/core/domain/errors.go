package domain

import "errors"

var (
	ErrDuplicateConnection  = errors.New("connection already exists")
	ErrTransportCreation    = errors.New("transport creation failed")
	ErrNoExistingConnection = errors.New("no existing connection")
	ErrUnsupportedTopology  = errors.New("operation unsupported while a media relay is present")
	ErrRestartInProgress    = errors.New("restart already in progress")
	ErrRestartAborted       = errors.New("restart aborted")
	ErrRefreshThrottled     = errors.New("refresh throttled")
	ErrRestartCooldown      = errors.New("restart requested too soon after the previous one")
)
