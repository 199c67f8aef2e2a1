package streamhttp

import (
	"fmt"
	"net/http"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries the HTTP server settings. Defaults can be loaded from the
// environment via envdecode struct tags.
type Config struct {
	// Addr like ":8080". ENV: TOOLWIRE_HTTP_ADDR
	Addr string `env:"TOOLWIRE_HTTP_ADDR,default=:8080"`
	// BasePath for the MCP endpoint. ENV: TOOLWIRE_HTTP_PATH
	BasePath string `env:"TOOLWIRE_HTTP_PATH,default=/mcp"`
	// EnableWebSocket exposes BasePath+"/ws". ENV: TOOLWIRE_HTTP_WS
	EnableWebSocket bool `env:"TOOLWIRE_HTTP_WS,default=true"`
	// MaxBodyBytes bounds POST bodies. ENV: TOOLWIRE_HTTP_MAX_BODY
	MaxBodyBytes int64 `env:"TOOLWIRE_HTTP_MAX_BODY,default=4194304"`
	// ReadHeaderTimeout for the http.Server. ENV: TOOLWIRE_HTTP_READ_HEADER_TIMEOUT
	ReadHeaderTimeout time.Duration `env:"TOOLWIRE_HTTP_READ_HEADER_TIMEOUT,default=10s"`
	// IdleTimeout for the http.Server. ENV: TOOLWIRE_HTTP_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"TOOLWIRE_HTTP_IDLE_TIMEOUT,default=120s"`
	// TLSCertFile / TLSKeyFile enable TLS when both are set.
	TLSCertFile string `env:"TOOLWIRE_HTTP_TLS_CERT"`
	TLSKeyFile  string `env:"TOOLWIRE_HTTP_TLS_KEY"`
}

// ConfigFromEnv populates a Config from the environment, applying defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode http config: %w", err)
	}
	return cfg, nil
}

// NewServer builds an http.Server for the handler using the config's
// address and timeouts. SSE connections are long-lived, so no overall
// write timeout is set.
func (c Config) NewServer(h http.Handler) *http.Server {
	return &http.Server{
		Addr:              c.Addr,
		Handler:           h,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		IdleTimeout:       c.IdleTimeout,
	}
}

// UseTLS reports whether both TLS files are configured.
func (c Config) UseTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
