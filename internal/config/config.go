// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads and persists keyloader configuration. Values come
// from defaults, keyloader.yaml, KEYLOADER_* environment variables and cobra
// flags, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Role      string          `mapstructure:"role" yaml:"role"`
	Language  string          `mapstructure:"language" yaml:"language"`
	Debug     bool            `mapstructure:"debug" yaml:"debug"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Protocol  ProtocolConfig  `mapstructure:"protocol" yaml:"protocol"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Keystore  KeystoreConfig  `mapstructure:"keystore" yaml:"keystore"`
	Injection InjectionConfig `mapstructure:"injection" yaml:"injection"`
	Export    ExportConfig    `mapstructure:"export" yaml:"export"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

type ProtocolConfig struct {
	Family string `mapstructure:"family" yaml:"family"`
}

type TransportConfig struct {
	Kind        string        `mapstructure:"kind" yaml:"kind"`
	Port        string        `mapstructure:"port" yaml:"port"`
	Address     string        `mapstructure:"address" yaml:"address"`
	Baud        int           `mapstructure:"baud" yaml:"baud"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	Hysteresis  int           `mapstructure:"hysteresis" yaml:"hysteresis"`
}

type DeviceConfig struct {
	Manufacturer string `mapstructure:"manufacturer" yaml:"manufacturer"`
	Serial       string `mapstructure:"serial" yaml:"serial"`
	Model        string `mapstructure:"model" yaml:"model"`
	Brand        string `mapstructure:"brand" yaml:"brand"`
}

type KeystoreConfig struct {
	Kind    string `mapstructure:"kind" yaml:"kind"`
	Path    string `mapstructure:"path" yaml:"path"`
	Alias   string `mapstructure:"alias" yaml:"alias"`
	TPMPath string `mapstructure:"tpm_path" yaml:"tpm_path"`
}

type InjectionConfig struct {
	AllowAESDukptDowngrade bool `mapstructure:"allow_aes_dukpt_downgrade" yaml:"allow_aes_dukpt_downgrade"`
}

type ExportConfig struct {
	ExportedBy string `mapstructure:"exported_by" yaml:"exported_by"`
	DeviceID   string `mapstructure:"device_id" yaml:"device_id"`
}

// Defaults returns the default values keyed by their viper path.
func Defaults() map[string]any {
	return map[string]any{
		"role":                                "receiver",
		"language":                            "en",
		"debug":                               false,
		"database.type":                       "sqlite",
		"database.dsn":                        "./keyloader.db",
		"protocol.family":                     "framed",
		"transport.kind":                      "serial",
		"transport.port":                      "/dev/ttyACM0",
		"transport.address":                   "",
		"transport.baud":                      115200,
		"transport.read_timeout":              time.Second,
		"transport.hysteresis":                3,
		"device.manufacturer":                 "soft",
		"device.serial":                       "",
		"device.model":                        "",
		"device.brand":                        "KEYLOADER",
		"keystore.kind":                       "memory",
		"keystore.path":                       "./kek.cbor",
		"keystore.alias":                      "keyloader-kek",
		"keystore.tpm_path":                   "",
		"injection.allow_aes_dukpt_downgrade": false,
		"export.exported_by":                  "",
		"export.device_id":                    uuid.NewString(),
	}
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keyloader")
		default:
			configDir = "/etc/keyloader"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "keyloader")
	}

	return filepath.Join(configDir, "keyloader.yaml"), nil
}

// LoadConfig resolves configuration into T. A missing config file is
// reported as viper.ConfigFileNotFoundError together with the value built
// from defaults, env and flags.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFile *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keyloader")
	v.SetConfigType("yaml")

	if configFile != nil && *configFile != "" {
		v.SetConfigFile(*configFile)
	}

	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	var notFound error
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
		notFound = err
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("keyloader")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, notFound
}

// WriteConfigFile persists c to the user or system config path.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}
	return WriteConfigFileTo(c, path)
}

// WriteConfigFileTo persists c as YAML at path with mode 0600.
func WriteConfigFileTo[T any](c *T, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	switch c.Role {
	case "receiver", "injector":
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
	switch c.Protocol.Family {
	case "framed", "legacy":
	default:
		return fmt.Errorf("unknown protocol family %q", c.Protocol.Family)
	}
	switch c.Transport.Kind {
	case "serial":
		if c.Transport.Port == "" {
			return fmt.Errorf("transport.port is required for serial transport")
		}
	case "tcp", "unix":
		if c.Transport.Address == "" {
			return fmt.Errorf("transport.address is required for %s transport", c.Transport.Kind)
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	switch c.Keystore.Kind {
	case "memory", "tpm":
	default:
		return fmt.Errorf("unknown keystore kind %q", c.Keystore.Kind)
	}
	if c.Transport.Hysteresis < 1 {
		return fmt.Errorf("transport.hysteresis must be at least 1")
	}
	return nil
}
