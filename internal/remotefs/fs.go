// Package remotefs adapts an SFTP channel to the file operations the core
// needs and implements the remote file-system commands built on them.
package remotefs

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// File is an open remote file.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Stat() (os.FileInfo, error)
}

// FS is the remote file system reachable over one SFTP channel.
type FS interface {
	Open(path string) (File, error)
	OpenFile(path string, flags int) (File, error)
	Create(path string) (File, error)
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Mkdir(path string) error
	MkdirAll(path string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldPath, newPath string) error
	ReadLink(path string) (string, error)
	Getwd() (string, error)
	Close() error
}

// Options tune the SFTP client.
type Options struct {
	MaxPacketSize      int
	ConcurrentRequests int
	UseConcurrentIO    bool
}

func (o Options) clientOptions() []sftp.ClientOption {
	var opts []sftp.ClientOption

	// Servers that reject large packets fail the first request, which
	// surfaces as a channel open failure rather than silent corruption.
	if o.MaxPacketSize > 0 {
		opts = append(opts, sftp.MaxPacketUnchecked(o.MaxPacketSize))
	}
	if o.ConcurrentRequests > 0 {
		opts = append(opts, sftp.MaxConcurrentRequestsPerFile(o.ConcurrentRequests))
	}
	if o.UseConcurrentIO {
		opts = append(opts, sftp.UseConcurrentReads(true))
		opts = append(opts, sftp.UseConcurrentWrites(true))
	}
	return opts
}

// Dial opens the sftp subsystem on an SSH connection.
func Dial(conn *ssh.Client, o Options) (*SFTP, error) {
	client, err := sftp.NewClient(conn, o.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create sftp client: %w", err)
	}
	return NewSFTP(client), nil
}

// SFTP implements FS on a pkg/sftp client.
type SFTP struct {
	client *sftp.Client
}

// NewSFTP wraps an existing client.
func NewSFTP(client *sftp.Client) *SFTP {
	return &SFTP{client: client}
}

func (s *SFTP) Open(path string) (File, error) {
	f, err := s.client.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SFTP) OpenFile(path string, flags int) (File, error) {
	f, err := s.client.OpenFile(path, flags)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SFTP) Create(path string) (File, error) {
	f, err := s.client.Create(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SFTP) Stat(path string) (os.FileInfo, error)      { return s.client.Stat(path) }
func (s *SFTP) Lstat(path string) (os.FileInfo, error)     { return s.client.Lstat(path) }
func (s *SFTP) ReadDir(path string) ([]os.FileInfo, error) { return s.client.ReadDir(path) }
func (s *SFTP) Mkdir(path string) error                    { return s.client.Mkdir(path) }
func (s *SFTP) MkdirAll(path string) error                 { return s.client.MkdirAll(path) }
func (s *SFTP) Remove(path string) error                   { return s.client.Remove(path) }
func (s *SFTP) RemoveDirectory(path string) error          { return s.client.RemoveDirectory(path) }
func (s *SFTP) Rename(oldPath, newPath string) error       { return s.client.Rename(oldPath, newPath) }
func (s *SFTP) ReadLink(path string) (string, error)       { return s.client.ReadLink(path) }
func (s *SFTP) Getwd() (string, error)                     { return s.client.Getwd() }
func (s *SFTP) Close() error                               { return s.client.Close() }
