// Package wlkit is a toolkit for building Wayland compositors. The
// root package holds the error taxonomy shared by every backend; the
// subpackages hold the reactor, session, hotplug, input, display and
// resource layers, composed by package compositor.
package wlkit

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrSessionRevoked is returned by any device operation attempted
	// while the session is paused. It is never a permanent failure:
	// the operation may succeed again after the session resumes.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrFatal marks a reactor level condition from which the only safe
	// response is shutdown.
	ErrFatal = errors.New("fatal")
)

// ProtocolError is a malformed or out-of-order client request. The
// offending client is disconnected after the error is posted to it.
type ProtocolError struct {
	Object  uint32
	Code    uint32
	Message string
}

func (err *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on object %d (code %d): %s", err.Object, err.Code, err.Message)
}

// Protocolf builds a ProtocolError.
func Protocolf(object, code uint32, format string, args ...any) *ProtocolError {
	return &ProtocolError{Object: object, Code: code, Message: fmt.Sprintf(format, args...)}
}

// DeviceError is an open or ioctl failure on a hardware device. The
// device is considered unusable afterwards.
type DeviceError struct {
	Path string
	Op   string
	Err  error
}

func (err *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", err.Path, err.Op, err.Err)
}

func (err *DeviceError) Unwrap() error {
	return err.Err
}

// FatalError wraps an error that must stop the runtime.
type FatalError struct {
	Err error
}

func (err *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", err.Err)
}

func (err *FatalError) Unwrap() []error {
	return []error{ErrFatal, err.Err}
}

// Fatal wraps err so that errors.Is(err, ErrFatal) reports true.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsTransient reports whether err is a would-block or interrupted
// condition that should be retried on the next readiness notification.
func IsTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// IsRevoked reports whether err stems from a paused session.
func IsRevoked(err error) bool {
	return errors.Is(err, ErrSessionRevoked)
}
