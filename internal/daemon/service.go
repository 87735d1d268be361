package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"
)

const (
	launchdLabel = "com.allaspects.llmgate"
	systemdUnit  = "llmgate.service"
)

const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ProgramPath}}</string>
        <string>start</string>
        <string>--foreground</string>
{{- if .ConfigPath}}
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
{{- end}}
    </array>

    <key>WorkingDirectory</key>
    <string>{{.DataDir}}</string>

    <key>KeepAlive</key>
    <true/>

    <key>RunAtLoad</key>
    <true/>

    <key>StandardOutPath</key>
    <string>{{.DataDir}}/llmgate.out.log</string>

    <key>StandardErrorPath</key>
    <string>{{.DataDir}}/llmgate.err.log</string>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>5</integer>
</dict>
</plist>
`

const systemdUnitTemplate = `[Unit]
Description=llmgate LLM gateway
After=network-online.target

[Service]
Type=simple
ExecStart={{.ProgramPath}} start --foreground{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
WorkingDirectory={{.DataDir}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// serviceData fills the service templates.
type serviceData struct {
	Label       string
	ProgramPath string
	DataDir     string
	ConfigPath  string
}

// serviceTarget is where a platform keeps its unit file and how it loads it.
type serviceTarget struct {
	path     string
	template string
	load     [][]string
	unload   [][]string
}

func targetFor(goos, home string) (serviceTarget, error) {
	switch goos {
	case "darwin":
		path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		return serviceTarget{
			path:     path,
			template: launchdPlistTemplate,
			load:     [][]string{{"launchctl", "load", path}},
			unload:   [][]string{{"launchctl", "unload", path}},
		}, nil
	case "linux":
		return serviceTarget{
			path:     filepath.Join(home, ".config", "systemd", "user", systemdUnit),
			template: systemdUnitTemplate,
			load: [][]string{
				{"systemctl", "--user", "daemon-reload"},
				{"systemctl", "--user", "enable", "--now", systemdUnit},
			},
			unload: [][]string{{"systemctl", "--user", "disable", "--now", systemdUnit}},
		}, nil
	default:
		return serviceTarget{}, fmt.Errorf("service install is not supported on %s", goos)
	}
}

func renderService(tmplText string, data serviceData) ([]byte, error) {
	tmpl, err := template.New("service").Parse(tmplText)
	if err != nil {
		return nil, fmt.Errorf("parsing service template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering service template: %w", err)
	}
	return buf.Bytes(), nil
}

// InstallService writes a per-user launchd agent (macOS) or systemd unit
// (Linux) that runs "llmgate start --foreground" and loads it.
func InstallService(dataDir, configPath string) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}
	target, err := targetFor(runtime.GOOS, homeDir)
	if err != nil {
		return err
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dataDir = expandHome(dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	unit, err := renderService(target.template, serviceData{
		Label:       launchdLabel,
		ProgramPath: execPath,
		DataDir:     dataDir,
		ConfigPath:  configPath,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target.path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target.path), err)
	}
	if err := os.WriteFile(target.path, unit, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", target.path, err)
	}
	fmt.Printf("Service file written to %s\n", target.path)

	runAll(target.unload, true)
	if err := runAll(target.load, false); err != nil {
		return err
	}
	fmt.Println("Service installed and started")
	return nil
}

// UninstallService unloads and removes the service file.
func UninstallService() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}
	target, err := targetFor(runtime.GOOS, homeDir)
	if err != nil {
		return err
	}

	runAll(target.unload, true)
	if err := os.Remove(target.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", target.path, err)
	}
	fmt.Println("Service uninstalled")
	return nil
}

// runAll runs each command in order. With quiet set, failures are ignored.
func runAll(cmds [][]string, quiet bool) error {
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		if !quiet {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err != nil && !quiet {
			return fmt.Errorf("%s: %w", args[0], err)
		}
	}
	return nil
}
