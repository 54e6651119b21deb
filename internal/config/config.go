// Package config resolves the matsend daemon's runtime configuration from
// environment variables and an optional .env file; command-line overrides
// are applied on top by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	// DefaultSerialPortName is used when SERIAL_PORT_NAME is unset.
	DefaultSerialPortName = "/dev/ttyUSB0"
	// DefaultTCPPort is used when SERIAL_TCP_PORT is unset.
	DefaultTCPPort = 1111
	// DefaultUploadPath is used when UPLOAD_PATH is unset.
	DefaultUploadPath = "/home/pi/matsuura_uploader/uploads"
)

// Config is the fully resolved set of values the daemon runs with.
type Config struct {
	SerialPortName string
	TCPPort        int
	UploadPath     string
	Verbose        bool
}

// Load reads a .env file from the working directory, if present, into the
// process environment (without overriding anything already set there), then
// builds a Config from the environment. CLI flags are applied afterward by
// the caller so they take precedence over both.
func Load() (Config, error) {
	// godotenv.Load is a no-op, non-fatal miss if .env does not exist; it
	// never overwrites a variable that is already set in the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}

	cfg := Config{
		SerialPortName: envOrDefault("SERIAL_PORT_NAME", DefaultSerialPortName),
		TCPPort:        DefaultTCPPort,
		UploadPath:     envOrDefault("UPLOAD_PATH", DefaultUploadPath),
	}

	if raw, ok := os.LookupEnv("SERIAL_TCP_PORT"); ok {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: SERIAL_TCP_PORT %q is not a number: %w", raw, err)
		}
		cfg.TCPPort = port
	}

	return cfg, nil
}

// Validate checks that the TCP port is in the range a listener can bind to.
func (c Config) Validate() error {
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("config: tcp port %d out of range", c.TCPPort)
	}
	return nil
}

func envOrDefault(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}
