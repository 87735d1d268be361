package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/llmgate/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "start":
		cmdStart(args)
	case "stop":
		cmdStop(args)
	case "status":
		cmdStatus(args)
	case "setup":
		cmdSetup(args)
	case "keys":
		cmdKeys(args)
	case "init-config":
		cmdInitConfig()
	case "providers":
		exitOnErr(cmdProviders(args, os.Stdout))
	case "generate":
		exitOnErr(cmdGenerate(args, os.Stdout))
	case "embed":
		exitOnErr(cmdEmbed(args, os.Stdout))
	case "count":
		exitOnErr(cmdCount(args, os.Stdout))
	case "install-service":
		cmdInstallService(args)
	case "uninstall-service":
		cmdUninstallService()
	case "config-export":
		cmdConfigExport(args)
	case "config-import":
		cmdConfigImport(args)
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: llmgate <command> [options]

Commands:
  start              Start the llmgate daemon
  stop               Stop the running daemon
  status             Show daemon status and provider health
  setup              Interactive setup wizard
  keys               Manage API keys (list|set|delete <name>)
  init-config        Generate default config file
  providers          List configured providers
  generate           Send one generation request and print the reply
  embed              Embed texts and print the vectors as JSON
  count              Count tokens for a model
  config-export      Export current config to a TOML file
  config-import      Import config from a TOML file
  install-service    Install as a user service (launchd or systemd)
  uninstall-service  Remove the user service
  version            Print version information
  help               Show this help message

Options:
  -c, --config       Config file (start, stop, status, providers, generate, embed)
  -f, --foreground   Run in foreground (with 'start')
  --non-interactive  Skip interactive prompts (with 'setup')`)
}
