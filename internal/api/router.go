package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yzhelezko/thermic-core/internal/connmgr"
	"github.com/yzhelezko/thermic-core/internal/transport"
)

type handlerFunc func(ctx context.Context, c *client, params json.RawMessage) (interface{}, error)

// Routes run in request order on the connection's read loop unless async.
type route struct {
	fn    handlerFunc
	async bool
}

type connectParams struct {
	Saved      string `json:"saved,omitempty"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	KeyPath    string `json:"keyPath,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	UseAgent   bool   `json:"useAgent,omitempty"`
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type transferParams struct {
	SessionID  string `json:"sessionId"`
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
}

type dirParams struct {
	SessionID string `json:"sessionId"`
	LocalDir  string `json:"localDir"`
	RemoteDir string `json:"remoteDir"`
}

type idParams struct {
	ID string `json:"id"`
}

type terminalParams struct {
	SessionID  string `json:"sessionId,omitempty"`
	TerminalID string `json:"terminalId,omitempty"`
	Shell      string `json:"shell,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Data       string `json:"data,omitempty"`
}

type editParams struct {
	SessionID  string `json:"sessionId"`
	RemotePath string `json:"remotePath"`
	Force      bool   `json:"force,omitempty"`
}

type execParams struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}

type fsParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	NewPath   string `json:"newPath,omitempty"`
	Parents   bool   `json:"parents,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

type terminalInfo struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// call decodes params into P and runs fn.
func call[P any](fn func(ctx context.Context, c *client, p P) (interface{}, error)) handlerFunc {
	return func(ctx context.Context, c *client, raw json.RawMessage) (interface{}, error) {
		var p P
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		return fn(ctx, c, p)
	}
}

func (s *Server) buildRoutes() map[string]route {
	m := s.mgr
	return map[string]route{
		"connect": {fn: call(s.connect), async: true},
		"disconnect": {fn: call(func(_ context.Context, _ *client, p sessionParams) (interface{}, error) {
			return nil, m.Disconnect(p.SessionID)
		})},
		"sessions": {fn: func(context.Context, *client, json.RawMessage) (interface{}, error) {
			return m.Sessions(), nil
		}},

		"upload": {fn: call(func(_ context.Context, _ *client, p transferParams) (interface{}, error) {
			t, err := m.Upload(p.SessionID, p.LocalPath, p.RemotePath)
			if err != nil {
				return nil, err
			}
			return t.Info(), nil
		})},
		"download": {fn: call(func(_ context.Context, _ *client, p transferParams) (interface{}, error) {
			t, err := m.Download(p.SessionID, p.RemotePath, p.LocalPath)
			if err != nil {
				return nil, err
			}
			return t.Info(), nil
		})},
		"upload_dir": {fn: call(func(ctx context.Context, _ *client, p dirParams) (interface{}, error) {
			return m.UploadDir(ctx, p.SessionID, p.LocalDir, p.RemoteDir)
		}), async: true},
		"download_dir": {fn: call(func(ctx context.Context, _ *client, p dirParams) (interface{}, error) {
			return m.DownloadDir(ctx, p.SessionID, p.RemoteDir, p.LocalDir)
		}), async: true},
		"transfer.cancel": {fn: call(func(_ context.Context, _ *client, p idParams) (interface{}, error) {
			return nil, m.CancelTransfer(p.ID)
		})},
		"transfer.pause": {fn: call(func(_ context.Context, _ *client, p idParams) (interface{}, error) {
			return nil, m.PauseTransfer(p.ID)
		})},
		"transfer.resume": {fn: call(func(_ context.Context, _ *client, p idParams) (interface{}, error) {
			return nil, m.ResumeTransfer(p.ID)
		})},
		"transfers": {fn: func(context.Context, *client, json.RawMessage) (interface{}, error) {
			return m.Transfers().Tasks(), nil
		}},

		"terminal.open":       {fn: call(s.openTerminal)},
		"terminal.open_local": {fn: call(s.openLocalTerminal)},
		"terminal.write": {fn: call(func(_ context.Context, _ *client, p terminalParams) (interface{}, error) {
			return nil, m.TerminalWrite(p.TerminalID, []byte(p.Data))
		})},
		"terminal.resize": {fn: call(func(_ context.Context, _ *client, p terminalParams) (interface{}, error) {
			return nil, m.TerminalResize(p.TerminalID, p.Cols, p.Rows)
		})},
		"terminal.close": {fn: call(func(_ context.Context, _ *client, p terminalParams) (interface{}, error) {
			return nil, m.CloseTerminal(p.TerminalID)
		})},

		"edit.open": {fn: call(func(ctx context.Context, _ *client, p editParams) (interface{}, error) {
			f, err := m.OpenForEdit(ctx, p.SessionID, p.RemotePath, p.Force)
			if err != nil {
				return nil, err
			}
			return f.Info(), nil
		}), async: true},
		"edit.close": {fn: call(func(_ context.Context, _ *client, p editParams) (interface{}, error) {
			return nil, m.CloseEdit(p.SessionID, p.RemotePath)
		})},
		"edit.retry": {fn: call(func(_ context.Context, _ *client, p editParams) (interface{}, error) {
			return nil, m.RetryEdit(p.SessionID, p.RemotePath)
		})},
		"edits": {fn: func(context.Context, *client, json.RawMessage) (interface{}, error) {
			return m.Edits().Files(), nil
		}},

		"exec": {fn: call(func(ctx context.Context, _ *client, p execParams) (interface{}, error) {
			return m.Exec(ctx, p.SessionID, p.Command)
		}), async: true},

		"fs.list": {fn: call(func(ctx context.Context, _ *client, p fsParams) (interface{}, error) {
			return m.ListDir(ctx, p.SessionID, p.Path)
		}), async: true},
		"fs.mkdir": {fn: call(func(ctx context.Context, _ *client, p fsParams) (interface{}, error) {
			return nil, m.MakeDir(ctx, p.SessionID, p.Path, p.Parents)
		})},
		"fs.remove": {fn: call(func(ctx context.Context, _ *client, p fsParams) (interface{}, error) {
			return nil, m.Remove(ctx, p.SessionID, p.Path, p.Recursive)
		})},
		"fs.rename": {fn: call(func(ctx context.Context, _ *client, p fsParams) (interface{}, error) {
			return nil, m.Rename(ctx, p.SessionID, p.Path, p.NewPath)
		})},
		"fs.create": {fn: call(func(ctx context.Context, _ *client, p fsParams) (interface{}, error) {
			return nil, m.CreateFile(ctx, p.SessionID, p.Path)
		})},
	}
}

func (s *Server) connect(ctx context.Context, _ *client, p connectParams) (interface{}, error) {
	profile := transport.Profile{Host: p.Host, Port: p.Port, Username: p.Username}
	cred := transport.Credential{
		Password:   p.Password,
		KeyPath:    p.KeyPath,
		Passphrase: p.Passphrase,
		UseAgent:   p.UseAgent,
	}

	if p.Saved != "" {
		if s.opts.Config == nil {
			return nil, errors.New("no saved connections available")
		}
		saved, err := connmgr.FindSaved(s.opts.Config, p.Saved)
		if err != nil {
			return nil, err
		}
		var savedCred transport.Credential
		profile, savedCred = connmgr.ProfileFromSaved(saved)
		if cred.KeyPath == "" {
			cred.KeyPath = savedCred.KeyPath
		}
		cred.UseAgent = cred.UseAgent || savedCred.UseAgent
	}

	sess, err := s.mgr.GetOrCreateSession(ctx, profile, cred)
	if err != nil {
		return nil, err
	}
	return connmgr.SessionInfo{
		ID:      sess.ID(),
		Key:     profile.Key(),
		Profile: sess.Profile(),
		Status:  sess.Status().String(),
	}, nil
}

func (s *Server) openTerminal(ctx context.Context, c *client, p terminalParams) (interface{}, error) {
	t, err := s.mgr.OpenTerminal(ctx, p.SessionID, p.Cols, p.Rows)
	if err != nil {
		return nil, err
	}
	c.pumpTerminal(t)
	cols, rows := t.Size()
	return terminalInfo{TerminalID: t.ID(), SessionID: t.SessionID(), Cols: cols, Rows: rows}, nil
}

func (s *Server) openLocalTerminal(_ context.Context, c *client, p terminalParams) (interface{}, error) {
	t, err := s.mgr.OpenLocalTerminal(p.Shell, p.Cols, p.Rows)
	if err != nil {
		return nil, err
	}
	c.pumpTerminal(t)
	cols, rows := t.Size()
	return terminalInfo{TerminalID: t.ID(), Cols: cols, Rows: rows}, nil
}
