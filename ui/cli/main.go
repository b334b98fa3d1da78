// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the keyloader command tree: the root command with the
// shared configuration and database flags, the version command and the
// service setup every subcommand runs first.

package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/toeirei/keyloader/buildvars"
	"github.com/toeirei/keyloader/internal/config"
	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/i18n"
	"github.com/toeirei/keyloader/internal/logging"
)

var version = "dev"   // this will be set by the linker
var gitCommit = "dev" // set at build time with the short commit SHA
var buildDate = ""    // set at build time (RFC3339)

var verbose bool
var showVersionFlag bool

var appConfig config.Config

// dbKey remembers which database the package-level store was opened for.
var dbKey string

func setupDefaultServices(cmd *cobra.Command, args []string) error {
	configPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	appConfig, err = config.LoadConfig[config.Config](cmd, config.Defaults(), configPath)
	// A missing file is expected on first run; persist the defaults so the
	// generated device id stays stable.
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		if writeErr := config.WriteConfigFile(&appConfig, false); writeErr != nil {
			logging.Warnf("could not write default config file: %v", writeErr)
		} else {
			logging.Debugf("wrote default config to user config path")
		}
	} else if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	i18n.Init(appConfig.Language)
	logging.SetDebug(verbose || appConfig.Debug)
	db.SetDebug(verbose)

	key := appConfig.Database.Type + "|" + appConfig.Database.Dsn
	if !db.IsInitialized() || dbKey != key {
		if old := db.Default(); old != nil {
			_ = old.Close()
		}
		if err := db.InitDB(appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
			return errors.New(i18n.T("cli.error_init_db", err))
		}
		dbKey = key
	}
	return nil
}

// Execute runs the CLI entrypoint. The main package calls this function and
// handles process exit.
func Execute() error {
	return NewRootCmd().Execute()
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	// Make sure the user-provided file exists to avoid silently running on defaults.
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// NewRootCmd creates a fresh command tree. Tests build one per case.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyloader",
		Short: "Keyloader injects cryptographic keys into PIN entry devices.",
		Long: `Keyloader moves symmetric keys from an injector workstation into a
PIN entry device over a serial or network link.

The receiver role ("keyloader receive") runs next to the device, validates
every command, installs keys through the hardware adapter and keeps a sealed
record of each key. The injector role ("keyloader send ...") drives it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if showVersionFlag {
				fmt.Fprintln(cmd.OutOrStdout(), compositeVersion(nil))
				os.Exit(0)
			}
			return setupDefaultServices(cmd, args)
		},
	}
	cmd.Version = compositeVersion(nil)

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output (debug logs, SQL tracing)")
	cmd.PersistentFlags().BoolVarP(&showVersionFlag, "version", "V", false, "Print version and exit")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `Message language ("en", "de")`)
	cmd.PersistentFlags().String("database.type", "sqlite", "Database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database.dsn", "./keyloader.db", "Database connection string (DSN)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		// Printing the version needs neither config nor database.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %s\n", v)
			fmt.Fprintf(out, "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}

	cmd.AddCommand(
		newReceiveCmd(),
		newSendCmd(),
		newKeysCmd(),
		newKEKCmd(),
		newExportCmd(),
		newImportCmd(),
		newMaintenanceCmd(),
		newDebugCmd(),
		versionCmd,
	)
	return cmd
}

func compositeVersion(info *debug.BuildInfo) string {
	v, c, d := resolveBuildVersion(info)
	out := v
	if c != "" && c != "dev" {
		out += " (" + c + ")"
	}
	if d != "" {
		out += " built: " + d
	}
	return out
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. If `info` is nil, it reads build info from
// the runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault(version)
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}

	if info != nil {
		if resolvedVersion == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		// Some build paths only record the module among the dependencies.
		if resolvedVersion == "dev" || resolvedVersion == "(devel)" {
			for _, dep := range info.Deps {
				if dep.Path == "github.com/toeirei/keyloader" && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}
	return resolvedVersion, strings.TrimSpace(resolvedCommit), resolvedDate
}
