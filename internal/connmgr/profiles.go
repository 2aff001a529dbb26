package connmgr

import (
	"fmt"
	"strings"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/transport"
)

// ProfileFromSaved turns a saved connection into a profile and the parts of
// a credential the config knows about. The password is never saved and is
// left for the caller to fill in.
func ProfileFromSaved(c config.SavedConnection) (transport.Profile, transport.Credential) {
	profile := transport.Profile{
		Host:          c.Host,
		Port:          c.Port,
		Username:      c.Username,
		CredentialRef: c.Name,
		Saved:         true,
	}
	cred := transport.Credential{
		KeyPath:  c.KeyPath,
		UseAgent: c.UseAgent,
	}
	return profile, cred
}

// FindSaved looks a saved connection up by name, case-insensitively.
func FindSaved(cfg *config.AppConfig, name string) (config.SavedConnection, error) {
	for _, c := range cfg.Connections {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	return config.SavedConnection{}, fmt.Errorf("no saved connection named %q", name)
}
