package authapi

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config describes how the client reaches the backend's REST surface.
type Config struct {
	// BaseURL is the backend origin, e.g. https://api.example.gov.bd.
	BaseURL string
	// APIPrefix is prepended to every endpoint path.
	APIPrefix string

	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// DefaultConfig returns the production defaults for everything but BaseURL.
func DefaultConfig() Config {
	return Config{
		APIPrefix:    "/api/v1",
		Timeout:      15 * time.Second,
		MaxBodyBytes: 1 << 20,
		UserAgent:    "civic-agent/1",
	}
}

// Validate normalizes cfg and rejects unusable base URLs.
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	u, err := url.Parse(c.BaseURL)
	if err != nil || c.BaseURL == "" {
		return errors.New("authapi: invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("authapi: base url must be http or https")
	}
	if u.Host == "" {
		return errors.New("authapi: base url missing host")
	}

	c.APIPrefix = "/" + strings.Trim(strings.TrimSpace(c.APIPrefix), "/")
	if c.APIPrefix == "/" {
		c.APIPrefix = ""
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return nil
}

// Endpoint paths relative to APIPrefix.
const (
	PathLogin       = "/auth/login"
	PathLogout      = "/auth/logout"
	PathRefresh     = "/auth/refresh-token"
	PathSocketToken = "/auth/socket-token"
	PathUnreadCount = "/emergency/unread-count"
	PathMarkAllRead = "/emergency/read-all"
)

// Path returns the absolute path of an endpoint (prefix included).
func (c Config) Path(endpoint string) string {
	return c.APIPrefix + endpoint
}

// URL returns the absolute URL of an endpoint.
func (c Config) URL(endpoint string) string {
	return c.BaseURL + c.Path(endpoint)
}
