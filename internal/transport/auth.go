package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// authMethods builds the auth chain for a credential. The returned closer
// releases the agent connection, if one was opened.
func authMethods(cred Credential, logger *log.Entry) ([]ssh.AuthMethod, io.Closer, error) {
	var (
		methods []ssh.AuthMethod
		closer  io.Closer
	)

	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
		methods = append(methods, ssh.KeyboardInteractive(answerWith(cred.Password)))
	}

	if cred.KeyPath != "" {
		signer, err := loadKey(expandHome(cred.KeyPath), cred.Passphrase)
		if err != nil {
			logger.WithError(err).WithField("key", cred.KeyPath).Warn("failed to load SSH key")
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if cred.UseAgent || len(methods) == 0 {
		auth, conn, err := agentAuth()
		if err != nil {
			logger.WithError(err).Debug("ssh-agent unavailable")
		} else {
			methods = append(methods, auth)
			closer = conn
		}
	}

	if len(methods) == 0 {
		home, _ := os.UserHomeDir()
		for _, name := range defaultKeyNames {
			signer, err := loadKey(filepath.Join(home, ".ssh", name), "")
			if err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
				break
			}
		}
	}

	if len(methods) == 0 {
		return nil, nil, errors.New("no authentication methods available")
	}
	return methods, closer, nil
}

func answerWith(password string) ssh.KeyboardInteractiveChallenge {
	return func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}

func loadKey(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	return nil, err
}

func agentAuth() (ssh.AuthMethod, net.Conn, error) {
	authSock := os.Getenv("SSH_AUTH_SOCK")
	if authSock == "" {
		return nil, nil, errors.New("SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", authSock)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(knownHostsFile))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
