package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/allaspectsdev/llmgate/internal/vault"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: llmgate keys <list|set|delete> [name]")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "list":
		names, err := v.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing keys: %v\n", err)
			os.Exit(1)
		}
		if len(names) == 0 {
			fmt.Println("No API keys stored")
			return
		}
		for _, n := range names {
			fmt.Printf("  %s: **** (api_key = \"keyring://llmgate/%s\")\n", n, n)
		}

	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: llmgate keys set <name>")
			os.Exit(1)
		}
		name := strings.ToLower(args[1])
		key, err := readSecret(fmt.Sprintf("Enter API key for %s: ", name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if key == "" {
			fmt.Fprintln(os.Stderr, "error: empty key")
			os.Exit(1)
		}
		if err := v.Set(name, key); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s stored; reference it as keyring://llmgate/%s\n", name, name)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: llmgate keys delete <name>")
			os.Exit(1)
		}
		name := strings.ToLower(args[1])
		if err := v.Delete(name); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s deleted\n", name)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}

// readSecret prompts without echo on a terminal and reads a plain line
// otherwise, so keys can be piped in.
func readSecret(prompt string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Print(prompt)
	key, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(key)), nil
}
