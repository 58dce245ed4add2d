package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

// Client talks to the svckeeper control API.
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	username string
	password string

	mu    sync.RWMutex
	token string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification

	// Username and Password are sent as basic credentials unless a token
	// is set.
	Username string
	Password string
	Token    string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Code       string // error code, or the supervisor error kind
	Message    string
	Hint       string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error: HTTP %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("API error: %s: %s", e.Code, e.Message)
}

// DefaultTimeout covers a full service start.
const DefaultTimeout = 2 * time.Minute

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8642/api",
		Timeout: DefaultTimeout,
	}
}

// New creates a new API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:  config.BaseURL,
		logger:   config.Logger,
		username: config.Username,
		password: config.Password,
		token:    config.Token,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// SetToken switches the client to bearer authentication.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

func (c *Client) Status(ctx context.Context) (ProcessInfo, error) {
	var out ProcessInfo
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) Config(ctx context.Context) (ServiceConfig, error) {
	var out ServiceConfig
	err := c.do(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

// Start starts the service and blocks until it is healthy or has failed.
// A failed start returns both the Result and an *APIError.
func (c *Client) Start(ctx context.Context) (Result, error) {
	c.logger.Debug("Starting service")
	return c.result(ctx, http.MethodPost, "/start", nil)
}

func (c *Client) Stop(ctx context.Context) (Result, error) {
	c.logger.Debug("Stopping service")
	return c.result(ctx, http.MethodPost, "/stop", nil)
}

func (c *Client) Restart(ctx context.Context) (Result, error) {
	c.logger.Debug("Restarting service")
	return c.result(ctx, http.MethodPost, "/restart", nil)
}

func (c *Client) UpdateConfig(ctx context.Context, u ConfigUpdate) (Result, error) {
	return c.result(ctx, http.MethodPut, "/config", u)
}

func (c *Client) ResetRestarts(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/restarts/reset", nil, nil)
}

// History returns up to limit recent lifecycle events, newest first.
// limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []HistoryEvent
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Resources(ctx context.Context) (Usage, error) {
	var out Usage
	err := c.do(ctx, http.MethodGet, "/resources", nil, &out)
	return out, err
}

// Login exchanges the configured credentials for a token and uses it for
// subsequent calls.
func (c *Client) Login(ctx context.Context) (*Token, error) {
	if c.username == "" {
		return nil, errors.New("login requires a username")
	}
	body := map[string]string{"username": c.username, "password": c.password}
	var out loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return nil, err
	}
	if !out.Success || out.Token == nil {
		return nil, errors.New("login returned no token")
	}
	c.SetToken(out.Token.Value)
	return out.Token, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	// Configure TLS settings
	if config.TLS != nil {
		// Skip verification if requested
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}

		// Set server name for verification
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}

		// Load CA certificate if provided
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}

		// Load client certificate if provided
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// result performs a call whose body is a Result even on failure.
func (c *Client) result(ctx context.Context, method, path string, in any) (Result, error) {
	var out Result
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode == http.StatusOK {
		return out, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return out, nil
	}
	if out.Error != nil {
		c.logger.Debug("API request failed", "kind", out.Error.Kind, "status", resp.StatusCode)
		return out, &APIError{StatusCode: resp.StatusCode, Code: out.Error.Kind, Message: out.Error.Message, Hint: out.Error.Hint}
	}
	return out, c.decodeError(resp.StatusCode, data)
}

// do performs a call and decodes a 200 body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return c.decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) decodeError(status int, data []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		c.logger.Debug("Failed to decode error response", "status", status)
		return &APIError{StatusCode: status, Code: http.StatusText(status)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", status)
	return &APIError{StatusCode: status, Code: er.Error, Message: er.Message}
}
