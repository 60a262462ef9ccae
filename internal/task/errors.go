package task

import (
	"errors"
	"fmt"
)

// Category is the failure classification attached to a failed task
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryAccessDenied  Category = "access-denied"
	CategoryNetwork       Category = "network"
	CategoryProtocol      Category = "protocol"
	CategoryCrypto        Category = "crypto"
	CategoryTimeout       Category = "timeout"
	CategoryUnexpected    Category = "unexpected"
)

// Label returns the user-facing description of the category
func (c Category) Label() string {
	switch c {
	case CategoryConfiguration:
		return "Configuration or licensing error"
	case CategoryAccessDenied:
		return "Access denied"
	case CategoryNetwork:
		return "Network error"
	case CategoryProtocol:
		return "Directory protocol error"
	case CategoryCrypto:
		return "Cryptographic error"
	case CategoryTimeout:
		return "Timed out"
	default:
		return "Unexpected error"
	}
}

// ErrLicense signals that the license does not permit the operation
var ErrLicense = errors.New("not allowed by license")

// ServerBusyCode is the extended error code a directory server returns when overloaded
const ServerBusyCode = 234

// ConfigError indicates an invalid configuration or a licensing restriction.
type ConfigError struct {
	Setting string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Setting != "" {
		return fmt.Sprintf("configuration %s: %v", e.Setting, e.Err)
	}
	return fmt.Sprintf("configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AccessDeniedError indicates the credential was refused for a resource.
type AccessDeniedError struct {
	Resource string
	Err      error
}

func (e *AccessDeniedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("access to %s denied", e.Resource)
	}
	return fmt.Sprintf("access to %s denied: %v", e.Resource, e.Err)
}

func (e *AccessDeniedError) Unwrap() error { return e.Err }

// NetworkError indicates the host could not be reached or the transport failed.
type NetworkError struct {
	Host string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("could not reach %s: %v", e.Host, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError carries a server-provided code and message from the directory protocol.
type ProtocolError struct {
	Code          int
	Message       string
	ServerMessage string
}

func (e *ProtocolError) Error() string {
	if e.ServerMessage != "" {
		return fmt.Sprintf("%s (code %d, server: %s)", e.Message, e.Code, e.ServerMessage)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// CryptoError indicates a signing, key or algorithm failure.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking action.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
