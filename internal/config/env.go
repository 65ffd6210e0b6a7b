package config

import (
	"fmt"
	"os"
	"regexp"
)

// Environment variables read by the CLI
const (
	EnvRedisURL     = "FOLIO_REDIS_URL"
	EnvInstanceName = "FOLIO_INSTANCE_NAME"
)

// DefaultInstanceName namespaces archive keys when FOLIO_INSTANCE_NAME is unset.
const DefaultInstanceName = "default"

// MaxInstanceNameLength is the maximum length for an instance name
const MaxInstanceNameLength = 63

// instanceNamePattern: lowercase alphanumeric, hyphens allowed but not at start/end
var instanceNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ArchiveConfig locates the Redis run archive.
type ArchiveConfig struct {
	RedisURL     string
	InstanceName string
}

// Enabled reports whether an archive is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.RedisURL != ""
}

// Validate checks the instance name, which becomes part of every archive key.
func (a ArchiveConfig) Validate() error {
	return ValidateInstanceName(a.InstanceName)
}

// ArchiveFromEnv reads the archive location from the environment.
func ArchiveFromEnv() ArchiveConfig {
	cfg := ArchiveConfig{
		RedisURL:     os.Getenv(EnvRedisURL),
		InstanceName: os.Getenv(EnvInstanceName),
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = DefaultInstanceName
	}
	return cfg
}

// ValidateInstanceName checks if an instance name is valid according to DNS naming rules.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}

	if len(name) > MaxInstanceNameLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxInstanceNameLength)
	}

	if !instanceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}

	return nil
}
