package transport

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusConnecting Status = iota + 1
	StatusConnected
	StatusAuthenticating
	StatusReady
	StatusReconnecting
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthenticating:
		return "authenticating"
	case StatusReady:
		return "ready"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// ChannelKind is the type of a logical channel multiplexed over a session.
type ChannelKind int

const (
	ChannelShell ChannelKind = iota + 1
	ChannelSFTP
	ChannelExec
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelShell:
		return "shell"
	case ChannelSFTP:
		return "sftp"
	case ChannelExec:
		return "exec"
	default:
		return "unknown"
	}
}
