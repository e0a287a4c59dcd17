package config

import "errors"

var (
	ErrTimeoutRequired          = errors.New("request and forwarding timeouts must be positive")
	ErrForwardingExceedsRequest = errors.New("forwarding timeout exceeds request timeout")
	ErrNegativeDelay            = errors.New("startup connect delay must not be negative")
	ErrHopLimit                 = errors.New("hop limit must be at least 1")
	ErrRateLimit                = errors.New("rate limit must not be negative and needs a burst of at least 1")
	ErrDuplicateContactPoint    = errors.New("duplicate server contact point")
	ErrInvalidContactPoint      = errors.New("invalid contact point")
	ErrDirectoryTTL             = errors.New("directory ttl must be at least 1s")
	ErrLogLevel                 = errors.New("invalid log level")
	ErrLogFormat                = errors.New("log format must be console or json")
)
