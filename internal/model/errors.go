package model

import (
	"errors"
)

var (
	ErrConfigVersion = errors.New("config version not supported")
	ErrNoBackend     = errors.New("backend.path is empty")
	ErrBadSchedule   = errors.New("schedule needs exactly one of cron or each, and a request")
)
