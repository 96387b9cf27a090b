package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for invalid user input or configuration, such as
	// a malformed firmware version or policy with reserved bits set.
	ErrConfig = errors.New("invalid configuration")

	// ErrTransport is returned when the orchestrator cannot be reached or
	// answers with a non-success status.
	ErrTransport = errors.New("orchestrator transport failure")

	// ErrCertificateChain is returned when the platform certificate chain is
	// rejected by the validator or has not been validated yet.
	ErrCertificateChain = errors.New("certificate chain invalid")

	// ErrKeyAgreement is returned when the platform Diffie-Hellman key is
	// malformed or not a valid curve point.
	ErrKeyAgreement = errors.New("key agreement failed")

	// ErrMissingKeys is returned when no session keys are stored for a VM.
	ErrMissingKeys = errors.New("session keys not found")

	// ErrMeasurementMismatch is returned when the launch measurement reported
	// by the platform does not match the expected value. It is terminal for
	// the launch session.
	ErrMeasurementMismatch = errors.New("launch measurement mismatch")

	// ErrEncoding is returned for malformed wire data and for values that
	// cannot be encoded in the fixed binary layouts.
	ErrEncoding = errors.New("encoding error")

	// ErrLaunchInProgress is returned when another operation already holds
	// the launch session of the same VM.
	ErrLaunchInProgress = errors.New("launch operation already in progress")
)

// TransportError describes a failed orchestrator request. Either Err is
// set (the request did not complete) or StatusCode and Body hold the
// non-success response.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransport, e.Err}
	}
	return []error{ErrTransport}
}

// MeasurementMismatchError carries both measurement values of a failed
// verification. Neither value is secret.
type MeasurementMismatchError struct {
	VMID     VMID
	Expected []byte
	Got      []byte
}

func (e *MeasurementMismatchError) Error() string {
	return fmt.Sprintf("%s for vm %s: expected %x, got %x", ErrMeasurementMismatch, e.VMID, e.Expected, e.Got)
}

func (e *MeasurementMismatchError) Unwrap() error {
	return ErrMeasurementMismatch
}
