package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider is returned for provider types missing from the capability table.
	ErrUnknownProvider = errors.New("unknown provider type")
	// ErrSessionMismatch is returned when a session from another provider family is passed in.
	ErrSessionMismatch = errors.New("session does not belong to this provider")
)

// ConfigurationError indicates an account is missing fields its provider type requires.
// It is raised before any I/O.
type ConfigurationError struct {
	ProviderType string
	Message      string
	Err          error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error (%s): %s: %v", e.ProviderType, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error (%s): %s", e.ProviderType, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// UnsupportedProviderError is returned for provider types that are named in the
// capability table but have no implementation registered.
type UnsupportedProviderError struct {
	ProviderType string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("provider %q is not implemented", e.ProviderType)
}

// CapabilityError is returned when an operation is not allowed for a provider.
type CapabilityError struct {
	ProviderType string
	Operation    string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.ProviderType, e.Operation)
}

// AuthenticationError means client initialization could not authenticate.
type AuthenticationError struct {
	ProviderType string
	Account      string
	Err          error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("auth error (%s) for %s: %v", e.ProviderType, e.Account, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError wraps a failed list, search, detail or mutation call.
type TransportError struct {
	ProviderType string
	Op           string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.ProviderType, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NormalizationError means a single message could not be mapped.
// Providers catch it and skip the message.
type NormalizationError struct {
	ProviderType      string
	ProviderMessageID string
	Reason            string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s message %q: %s", e.ProviderType, e.ProviderMessageID, e.Reason)
}

// DecryptionError means stored credentials could not be decrypted,
// which implies a corrupted blob or mismatched key.
type DecryptionError struct {
	Account string
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt credentials for %s: %v", e.Account, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err (or any error in its chain) is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsUnsupportedProvider reports whether err is an UnsupportedProviderError.
func IsUnsupportedProvider(err error) bool {
	var target *UnsupportedProviderError
	return errors.As(err, &target)
}

// IsCapabilityError reports whether err is a CapabilityError.
func IsCapabilityError(err error) bool {
	var target *CapabilityError
	return errors.As(err, &target)
}

// IsAuthenticationError reports whether err is an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsTransportError reports whether err is a TransportError.
func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsNormalizationError reports whether err is a NormalizationError.
func IsNormalizationError(err error) bool {
	var target *NormalizationError
	return errors.As(err, &target)
}

// IsDecryptionError reports whether err is a DecryptionError.
func IsDecryptionError(err error) bool {
	var target *DecryptionError
	return errors.As(err, &target)
}
