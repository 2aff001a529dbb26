// Package coreerr defines the error kinds surfaced by the session core.
//
// Every error reported to a collaborator is one of ConnError, ChannelError,
// TransferError or SyncError. Sentinels compare by kind, so
// errors.Is(err, coreerr.ErrSessionLost) matches any session-lost error
// regardless of which session produced it.
package coreerr

import (
	"errors"
	"fmt"
)

// ConnKind classifies connection failures.
type ConnKind int

const (
	ConnTimeout ConnKind = iota + 1
	ConnAuthFailed
	ConnRefused
	ConnNetworkUnreachable
)

func (k ConnKind) String() string {
	switch k {
	case ConnTimeout:
		return "timeout"
	case ConnAuthFailed:
		return "auth_failed"
	case ConnRefused:
		return "connection_refused"
	case ConnNetworkUnreachable:
		return "network_unreachable"
	default:
		return "unknown"
	}
}

// ConnError is returned when a transport session cannot be established.
type ConnError struct {
	Kind ConnKind
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Addr, e.Kind)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

func (e *ConnError) Is(target error) bool {
	t, ok := target.(*ConnError)
	return ok && t.Kind == e.Kind && t.Addr == "" && t.Err == nil
}

// ChannelKind classifies channel failures.
type ChannelKind int

const (
	SessionNotReady ChannelKind = iota + 1
	ChannelOpenFailed
	SessionLost
	SessionClosed
)

func (k ChannelKind) String() string {
	switch k {
	case SessionNotReady:
		return "session_not_ready"
	case ChannelOpenFailed:
		return "channel_open_failed"
	case SessionLost:
		return "session_lost"
	case SessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// ChannelError is returned by channel operations and delivered to channel
// owners when the session underneath them goes away.
type ChannelError struct {
	Kind      ChannelKind
	SessionID string
	Err       error
}

func (e *ChannelError) Error() string {
	msg := e.Kind.String()
	if e.SessionID != "" {
		msg = fmt.Sprintf("session %s: %s", e.SessionID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChannelError) Unwrap() error { return e.Err }

func (e *ChannelError) Is(target error) bool {
	t, ok := target.(*ChannelError)
	return ok && t.Kind == e.Kind && t.SessionID == "" && t.Err == nil
}

// TransferKind classifies transfer failures.
type TransferKind int

const (
	TransferOther TransferKind = iota
	InvalidPath
	PermissionDenied
	DiskFull
	NoSpaceLeft
	Timeout
	ConnectionReset
	Cancelled
)

func (k TransferKind) String() string {
	switch k {
	case InvalidPath:
		return "invalid_path"
	case PermissionDenied:
		return "permission_denied"
	case DiskFull:
		return "disk_full"
	case NoSpaceLeft:
		return "no_space_left"
	case Timeout:
		return "timeout"
	case ConnectionReset:
		return "connection_reset"
	case Cancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// Transient reports whether errors of this kind are retried.
func (k TransferKind) Transient() bool {
	return k == Timeout || k == ConnectionReset
}

// TransferError describes why a transfer task did not complete.
type TransferError struct {
	Kind   TransferKind
	TaskID string
	Path   string
	Err    error
}

func (e *TransferError) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool {
	t, ok := target.(*TransferError)
	return ok && t.Kind == e.Kind && t.TaskID == "" && t.Path == "" && t.Err == nil
}

// Transient reports whether the transfer may be retried.
func (e *TransferError) Transient() bool { return e.Kind.Transient() }

// SyncKind classifies edit-sync failures.
type SyncKind int

const (
	SyncFailed SyncKind = iota + 1
	Orphaned
)

func (k SyncKind) String() string {
	switch k {
	case SyncFailed:
		return "sync_failed"
	case Orphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// SyncError is reported when a watched file cannot be kept in sync.
type SyncError struct {
	Kind SyncKind
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Path, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	return ok && t.Kind == e.Kind && t.Path == "" && t.Err == nil
}

var (
	ErrSessionNotReady   = &ChannelError{Kind: SessionNotReady}
	ErrChannelOpenFailed = &ChannelError{Kind: ChannelOpenFailed}
	ErrSessionLost       = &ChannelError{Kind: SessionLost}
	ErrSessionClosed     = &ChannelError{Kind: SessionClosed}

	ErrInvalidPath      = &TransferError{Kind: InvalidPath}
	ErrPermissionDenied = &TransferError{Kind: PermissionDenied}
	ErrDiskFull         = &TransferError{Kind: DiskFull}
	ErrNoSpaceLeft      = &TransferError{Kind: NoSpaceLeft}
	ErrTimeout          = &TransferError{Kind: Timeout}
	ErrConnectionReset  = &TransferError{Kind: ConnectionReset}
	ErrCancelled        = &TransferError{Kind: Cancelled}

	ErrSyncFailed = &SyncError{Kind: SyncFailed}
	ErrOrphaned   = &SyncError{Kind: Orphaned}
)

// TransferKindOf returns the kind of the first TransferError in err's chain,
// or TransferOther.
func TransferKindOf(err error) TransferKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return TransferOther
}

// IsTransient reports whether err is a transfer error that may be retried.
func IsTransient(err error) bool {
	return TransferKindOf(err).Transient()
}

// Kind renders the kind of any core error, for event payloads.
func Kind(err error) string {
	var (
		ce  *ConnError
		che *ChannelError
		te  *TransferError
		se  *SyncError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Kind.String()
	case errors.As(err, &che):
		return che.Kind.String()
	case errors.As(err, &ce):
		return ce.Kind.String()
	case errors.As(err, &se):
		return se.Kind.String()
	default:
		return "error"
	}
}
