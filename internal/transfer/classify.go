package transfer

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/pkg/sftp"

	"github.com/yzhelezko/thermic-core/internal/coreerr"
)

// SFTP status codes beyond the ones pkg/sftp exports.
const (
	fxNoSpaceOnFilesystem = 14
	fxQuotaExceeded       = 15
)

// Classify maps an sftp, OS or transport error to a transfer error kind.
func Classify(err error) coreerr.TransferKind {
	if err == nil {
		return coreerr.TransferOther
	}

	var te *coreerr.TransferError
	if errors.As(err, &te) {
		return te.Kind
	}

	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case fxNoSpaceOnFilesystem, fxQuotaExceeded:
			return coreerr.NoSpaceLeft
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return coreerr.Cancelled
	case errors.Is(err, os.ErrNotExist):
		return coreerr.InvalidPath
	case errors.Is(err, os.ErrPermission):
		return coreerr.PermissionDenied
	case coreerr.IsNoSpace(err):
		return coreerr.DiskFull
	case errors.Is(err, coreerr.ErrSessionLost),
		errors.Is(err, coreerr.ErrSessionNotReady),
		errors.Is(err, coreerr.ErrChannelOpenFailed),
		errors.Is(err, sftp.ErrSSHFxConnectionLost),
		errors.Is(err, sftp.ErrSSHFxNoConnection),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		coreerr.IsConnReset(err):
		return coreerr.ConnectionReset
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return coreerr.Timeout
	default:
		return coreerr.TransferOther
	}
}

func classifyTask(t *Task, err error) *coreerr.TransferError {
	var te *coreerr.TransferError
	if errors.As(err, &te) {
		if te.TaskID != "" {
			return te
		}
		p := te.Path
		if p == "" {
			p = t.RemotePath
		}
		return &coreerr.TransferError{Kind: te.Kind, TaskID: t.ID, Path: p, Err: te.Err}
	}
	return &coreerr.TransferError{
		Kind:   Classify(err),
		TaskID: t.ID,
		Path:   t.RemotePath,
		Err:    err,
	}
}

func kindOf(err error) string {
	return coreerr.Kind(err)
}
