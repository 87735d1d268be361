package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/allaspectsdev/llmgate/internal/config"
	"github.com/allaspectsdev/llmgate/internal/daemon"
)

func cmdStart(args []string) {
	fs := pflag.NewFlagSet("start", pflag.ExitOnError)
	foreground := fs.BoolP("foreground", "f", false, "run in the foreground")
	configPath := fs.StringP("config", "c", "", "config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Run(cfg, *foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop(args []string) {
	loadForDaemon("stop", args)
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("llmgate stopped")
}

func cmdStatus(args []string) {
	loadForDaemon("status", args)
	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// loadForDaemon loads config so the daemon helpers find the configured
// data directory. A config that fails to load leaves the defaults in place.
func loadForDaemon(name string, args []string) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "config file")
	fs.Parse(args)
	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v; using default data directory\n", err)
	}
}

func cmdSetup(args []string) {
	fs := pflag.NewFlagSet("setup", pflag.ExitOnError)
	nonInteractive := fs.Bool("non-interactive", false, "skip prompts")
	fs.Parse(args)

	if *nonInteractive {
		cmdInitConfig()
		fmt.Println("Setup complete. Run 'llmgate start' to begin.")
		return
	}

	fmt.Println("llmgate Setup Wizard")
	fmt.Println("====================")
	fmt.Println()

	cmdInitConfig()

	fmt.Println("\nTo add API keys, run: llmgate keys set <name>")
	fmt.Println("Then reference them from a backend as api_key = \"keyring://llmgate/<name>\".")
	fmt.Println("Supported backend types: openai, openai_compatible, azure, gemini")
	fmt.Println()
	fmt.Println("Setup complete. Run 'llmgate start' to begin.")
}

func cmdInitConfig() {
	path, err := config.InitConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config file: %s\n", path)
}

func cmdInstallService(args []string) {
	fs := pflag.NewFlagSet("install-service", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "config file the service starts with")
	fs.Parse(args)

	dataDir := config.DefaultDataDir
	if cfg, err := config.Load(*configPath); err == nil {
		dataDir = cfg.Server.DataDir
	}
	path := *configPath
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	if err := daemon.InstallService(dataDir, path); err != nil {
		fmt.Fprintf(os.Stderr, "error installing service: %v\n", err)
		os.Exit(1)
	}
}

func cmdUninstallService() {
	if err := daemon.UninstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error removing service: %v\n", err)
		os.Exit(1)
	}
}

func cmdConfigExport(args []string) {
	fs := pflag.NewFlagSet("config-export", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "config file to export")
	fs.Parse(args)

	path := "llmgate-export.toml"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if err := exportConfig(*configPath, path); err != nil {
		fmt.Fprintf(os.Stderr, "error exporting config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", path)
}

func cmdConfigImport(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: llmgate config-import <file>")
		os.Exit(1)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	dest := filepath.Join(home, ".llmgate", config.DefaultConfigFilename)
	if err := importConfig(args[0], dest); err != nil {
		fmt.Fprintf(os.Stderr, "error importing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config imported from %s to %s\n", args[0], dest)
}

// exportConfig writes the effective config, environment overrides
// included, to dest.
func exportConfig(src, dest string) error {
	cfg, err := config.Load(src)
	if err != nil {
		return err
	}
	return config.WriteConfig(dest, cfg)
}

// importConfig validates src by loading it and writes the result to dest.
func importConfig(src, dest string) error {
	cfg, err := config.Load(src)
	if err != nil {
		return fmt.Errorf("invalid config %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return config.WriteConfig(dest, cfg)
}
