package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when a profile leaves Port unset.
const DefaultPort = 22

// Profile identifies a remote endpoint. Two profiles with the same host,
// port and username share a session.
type Profile struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	CredentialRef string `json:"credentialRef,omitempty"`
	Saved         bool   `json:"saved,omitempty"`
}

// Key is the identity of the profile.
func (p Profile) Key() string {
	return fmt.Sprintf("%s@%s:%d", p.Username, strings.ToLower(p.Host), p.port())
}

// Addr is the host:port to dial.
func (p Profile) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.port()))
}

func (p Profile) port() int {
	if p.Port == 0 {
		return DefaultPort
	}
	return p.Port
}

// Validate checks that the profile can be dialed.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("host is required")
	}
	if strings.TrimSpace(p.Username) == "" {
		return errors.New("username is required")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	return nil
}

// Credential holds the secrets used to authenticate. It is supplied by the
// caller on every connect and never persisted by this package.
type Credential struct {
	Password   string
	KeyPath    string
	Passphrase string
	UseAgent   bool
}
