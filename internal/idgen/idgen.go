package idgen

import (
	"github.com/google/uuid"
)

// ID prefixes for different uses
const (
	PrefixInstance = "inst_"
	PrefixRequest  = "req_"
)

// NewInstance generates a process instance ID with inst_ prefix.
// It tags log lines and lock ownership so instances sharing a store can be
// told apart.
func NewInstance() string {
	return PrefixInstance + uuid.New().String()
}

// NewRequest generates an API request ID with req_ prefix
func NewRequest() string {
	return PrefixRequest + uuid.New().String()
}

// New generates a generic UUID without prefix (for internal use only)
func New() string {
	return uuid.New().String()
}
