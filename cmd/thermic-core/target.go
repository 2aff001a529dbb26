package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yzhelezko/thermic-core/internal/connmgr"
	"github.com/yzhelezko/thermic-core/internal/transport"
)

// PasswordEnvVar supplies a password without a prompt.
const PasswordEnvVar = "THERMIC_CORE_PASSWORD"

type targetFlags struct {
	keyPath  string
	useAgent bool
	password bool
}

func addTargetFlags(cmd *cobra.Command, t *targetFlags) {
	cmd.Flags().StringVarP(&t.keyPath, "identity", "i", "", "private key file")
	cmd.Flags().BoolVarP(&t.useAgent, "agent", "A", false, "authenticate with the SSH agent")
	cmd.Flags().BoolVarP(&t.password, "password", "P", false, "prompt for a password")
}

// parseTarget splits [user@]host[:port].
func parseTarget(s string) (transport.Profile, error) {
	var p transport.Profile
	if i := strings.LastIndex(s, "@"); i >= 0 {
		p.Username, s = s[:i], s[i+1:]
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil {
			return p, fmt.Errorf("invalid port %q", port)
		}
		p.Host, p.Port = host, n
	} else {
		p.Host = s
	}
	if p.Host == "" {
		return p, errors.New("missing host")
	}
	if p.Username == "" {
		p.Username = os.Getenv("USER")
	}
	return p, nil
}

// resolve turns a target argument into a profile. A saved connection name
// wins over a literal host.
func (a *app) resolve(target string) (transport.Profile, transport.Credential, error) {
	var (
		profile transport.Profile
		cred    transport.Credential
	)
	if saved, err := connmgr.FindSaved(a.cfg, target); err == nil {
		profile, cred = connmgr.ProfileFromSaved(saved)
	} else {
		if profile, err = parseTarget(target); err != nil {
			return profile, cred, err
		}
	}

	if a.target.keyPath != "" {
		cred.KeyPath = a.target.keyPath
	}
	cred.UseAgent = cred.UseAgent || a.target.useAgent

	if pw := os.Getenv(PasswordEnvVar); pw != "" {
		cred.Password = pw
	} else if a.target.password {
		pw, err := promptPassword(profile)
		if err != nil {
			return profile, cred, err
		}
		cred.Password = pw
	}
	return profile, cred, nil
}

func promptPassword(p transport.Profile) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("cannot prompt for a password: stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "%s's password: ", p.Key())
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// session connects to target through the manager.
func (a *app) session(ctx context.Context, target string) (*transport.Session, error) {
	profile, cred, err := a.resolve(target)
	if err != nil {
		return nil, err
	}
	a.log.WithField("target", profile.Key()).Debug("Connecting")
	return a.mgr.GetOrCreateSession(ctx, profile, cred)
}
