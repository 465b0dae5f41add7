package ptyhost

import (
	"errors"
	"io/fs"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ClassifySpawnError maps a process-spawn failure into the closed taxonomy
// from spec.md §4.1. It returns nil only when err is nil — a non-nil error
// ClassifySpawnError can't recognize maps to ErrUNKNOWN with the
// stringified message.
func ClassifySpawnError(err error, path string) *SpawnError {
	if err == nil {
		return nil
	}

	se := &SpawnError{Message: err.Error(), Path: path}

	var pathErr *fs.PathError
	var execErr *exec.Error
	var errno syscall.Errno

	switch {
	case errors.As(err, &pathErr):
		se.Syscall = pathErr.Op
		if pathErr.Path != "" {
			se.Path = pathErr.Path
		}
		errors.As(pathErr.Err, &errno)
	case errors.As(err, &execErr):
		// exec.Error wraps a LookPath failure — treat as ENOENT (binary missing).
		se.Code = ErrENOENT
		se.Message = err.Error()
		return se
	case errors.As(err, &errno):
		// fall through to the errno switch below
	}

	se.Errno = int(errno)

	switch {
	case errno == 0:
		se.Code = classifyByFallback(err)
	case errno == unix.ENOENT || errors.Is(err, fs.ErrNotExist):
		se.Code = ErrENOENT
	case errno == unix.EACCES || errno == unix.EPERM || errors.Is(err, fs.ErrPermission):
		se.Code = ErrEACCES
	case errno == unix.ENOTDIR:
		se.Code = ErrENOTDIR
	case errno == unix.EIO:
		se.Code = ErrEIO
	default:
		se.Code = ErrUNKNOWN
	}

	return se
}

// classifyByFallback handles errors that carry no syscall.Errno at all
// (e.g. a wrapped fs.PathError from a higher-level check) by falling back
// to the stdlib sentinel errors.
func classifyByFallback(err error) SpawnErrorCode {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrENOENT
	case errors.Is(err, fs.ErrPermission):
		return ErrEACCES
	default:
		return ErrUNKNOWN
	}
}
