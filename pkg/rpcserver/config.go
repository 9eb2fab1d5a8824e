package rpcserver

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the HTTP surface configuration.
type Config struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	BodyLimit      int64
	RequestTimeout time.Duration
	ServiceName    string
	ServiceVersion string
	EnableMetrics  bool
}

// DefaultConfig returns a new Config with sensible defaults. WriteTimeout
// stays zero because the event stream must outlive any fixed write window.
func DefaultConfig() Config {
	return Config{
		Address:        ":8317",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0,
		IdleTimeout:    120 * time.Second,
		BodyLimit:      4 * 1024 * 1024,
		RequestTimeout: 120 * time.Second,
		ServiceName:    "datadispatch",
		ServiceVersion: "dev",
		EnableMetrics:  true,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address is required")
	}

	if strings.TrimSpace(c.ServiceName) == "" {
		return errors.New("service name is required")
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %v", c.ReadTimeout)
	}

	if c.WriteTimeout < 0 {
		return fmt.Errorf("write timeout must not be negative, got %v", c.WriteTimeout)
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}

	if c.BodyLimit <= 0 {
		return fmt.Errorf("body limit must be positive, got %d", c.BodyLimit)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}

	return nil
}
