package protocol

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"stripefs/pkg/types"
)

// ToStatus converts a data path error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, types.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, types.ErrCapacity):
		code = codes.ResourceExhausted
	case errors.Is(err, types.ErrConfiguration):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// FromStatus converts a gRPC status error back into an error that matches
// the data path sentinels with errors.Is.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.AlreadyExists:
		sentinel = types.ErrAlreadyExists
	case codes.NotFound:
		sentinel = types.ErrNotFound
	case codes.PermissionDenied:
		sentinel = types.ErrPermissionDenied
	case codes.ResourceExhausted:
		sentinel = types.ErrCapacity
	case codes.InvalidArgument:
		sentinel = types.ErrConfiguration
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		return err
	}
	msg := st.Message()
	if !strings.Contains(msg, sentinel.Error()) {
		msg = sentinel.Error() + ": " + msg
	}
	return &remoteError{sentinel: sentinel, msg: msg}
}

// remoteError carries a target's message and matches its sentinel.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }
