// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cfg "github.com/toeirei/keyloader/internal/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("HOME", tmp)
	wd, _ := os.Getwd()
	if err := os.Chdir(tmp); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return tmp
}

func TestLoadConfig_DefaultsWhenNoFile(t *testing.T) {
	isolate(t)
	c, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		t.Fatalf("expected ConfigFileNotFoundError, got: %T %v", err, err)
	}
	if c.Protocol.Family != "framed" || c.Transport.Hysteresis != 3 {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.Transport.ReadTimeout != time.Second {
		t.Fatalf("read timeout = %v", c.Transport.ReadTimeout)
	}
	if c.Injection.AllowAESDukptDowngrade {
		t.Fatalf("aes dukpt downgrade must default to off")
	}
	if c.Export.DeviceID == "" {
		t.Fatalf("expected generated device id")
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadConfig_ReadsExplicitFile(t *testing.T) {
	tmp := isolate(t)
	yaml := "protocol:\n  family: legacy\ndevice:\n  manufacturer: soft-tdes\ntransport:\n  kind: tcp\n  address: 127.0.0.1:9000\n"
	file := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), &file)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Protocol.Family != "legacy" || c.Device.Manufacturer != "soft-tdes" || c.Transport.Address != "127.0.0.1:9000" {
		t.Fatalf("file values not applied: %+v", c)
	}
	if c.Database.Type != "sqlite" {
		t.Fatalf("defaults lost when file present: %+v", c.Database)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	isolate(t)
	t.Setenv("KEYLOADER_DEVICE_BRAND", "acme")
	t.Setenv("KEYLOADER_INJECTION_ALLOW_AES_DUKPT_DOWNGRADE", "true")
	c, _ := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	if c.Device.Brand != "acme" {
		t.Fatalf("env override not applied: %q", c.Device.Brand)
	}
	if !c.Injection.AllowAESDukptDowngrade {
		t.Fatalf("env bool override not applied")
	}
}

func TestLoadConfig_FlagBindingOverridesEnv(t *testing.T) {
	isolate(t)
	t.Setenv("KEYLOADER_LANGUAGE", "en")
	cmd := &cobra.Command{}
	cmd.Flags().String("language", "", "")
	if err := cmd.Flags().Set("language", "de"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	c, _ := cfg.LoadConfig[cfg.Config](cmd, cfg.Defaults(), nil)
	if c.Language != "de" {
		t.Fatalf("flag did not win: %q", c.Language)
	}
}

func TestWriteConfigFile_CreatesFile(t *testing.T) {
	isolate(t)
	c := cfg.Config{Role: "injector", Language: "en"}
	c.Database.Type = "sqlite"
	if err := cfg.WriteConfigFile(&c, false); err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}
	path, err := cfg.GetConfigPath(false)
	if err != nil {
		t.Fatalf("GetConfigPath failed: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected config file at %s, stat error: %v", path, err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("config file mode = %v", st.Mode().Perm())
	}
}

func TestValidate_RejectsUnknownValues(t *testing.T) {
	isolate(t)
	base, _ := cfg.LoadConfig[cfg.Config](&cobra.Command{}, cfg.Defaults(), nil)
	cases := map[string]func(*cfg.Config){
		"role":       func(c *cfg.Config) { c.Role = "both" },
		"family":     func(c *cfg.Config) { c.Protocol.Family = "iso8583" },
		"transport":  func(c *cfg.Config) { c.Transport.Kind = "usb-hid" },
		"tcp addr":   func(c *cfg.Config) { c.Transport.Kind = "tcp"; c.Transport.Address = "" },
		"keystore":   func(c *cfg.Config) { c.Keystore.Kind = "hsm" },
		"hysteresis": func(c *cfg.Config) { c.Transport.Hysteresis = 0 },
	}
	for name, mutate := range cases {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
