package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/mandry/internal/agent"
	"github.com/ashureev/mandry/internal/api"
	"github.com/ashureev/mandry/internal/identity"
)

// client talks to a running Mandry server as one anonymous user. The
// anonymous cookie is persisted to idFile so successive invocations share a
// profile.
type client struct {
	base      *url.URL
	http      *http.Client
	sessionID string
	idFile    string
}

func newClient(server, sessionID, idFile string, timeout time.Duration) (*client, error) {
	base, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", server)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c := &client{
		base:      base,
		http:      &http.Client{Jar: jar, Timeout: timeout},
		sessionID: sessionID,
		idFile:    idFile,
	}
	if id := c.loadAnonID(); id != "" {
		jar.SetCookies(base, []*http.Cookie{{Name: identity.AnonCookieName, Value: id, Path: "/"}})
	}
	return c, nil
}

func (c *client) loadAnonID() string {
	if c.idFile == "" {
		return ""
	}
	data, err := os.ReadFile(c.idFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *client) saveAnonID() error {
	if c.idFile == "" {
		return nil
	}
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name != identity.AnonCookieName || ck.Value == c.loadAnonID() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(c.idFile), 0o700); err != nil {
			return fmt.Errorf("create id dir: %w", err)
		}
		if err := os.WriteFile(c.idFile, []byte(ck.Value+"\n"), 0o600); err != nil {
			return fmt.Errorf("save anonymous id: %w", err)
		}
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set(identity.SessionHeaderName, c.sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := c.saveAnonID(); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError is a non-2xx reply from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &apiError{Status: resp.StatusCode, Message: body.Error}
}

func isStatus(err error, code int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == code
}

// Chat sends one turn. state is the raw session_state from the previous
// reply, or nil to start over.
func (c *client) Chat(ctx context.Context, message string, state json.RawMessage) (*agent.ChatResponse, json.RawMessage, error) {
	var raw struct {
		agent.ChatResponse
		SessionState json.RawMessage `json:"session_state"`
	}
	if err := c.do(ctx, http.MethodPost, "/chat", agent.ChatRequest{Message: message, SessionState: state}, &raw); err != nil {
		return nil, nil, err
	}
	resp := raw.ChatResponse
	return &resp, raw.SessionState, nil
}

func (c *client) Profile(ctx context.Context) (*api.ProfileResponse, error) {
	var out api.ProfileResponse
	if err := c.do(ctx, http.MethodGet, "/profile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) ClearProfile(ctx context.Context) (int64, error) {
	var out struct {
		SessionsRemoved int64 `json:"sessions_removed"`
	}
	if err := c.do(ctx, http.MethodDelete, "/profile", nil, &out); err != nil {
		return 0, err
	}
	return out.SessionsRemoved, nil
}
