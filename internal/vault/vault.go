package vault

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "llmgate"

// knownProviders is the list of credential names checked by List().
var knownProviders = []string{"openai", "azure", "gemini"}

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores an API key under name in the OS keychain.
func (v *Vault) Set(name, key string) error {
	return keyring.Set(serviceName, name, key)
}

// Get retrieves the API key stored under name. It first checks the OS
// keychain, then falls back to the environment variable
// LLMGATE_KEY_{UPPER(name)}.
func (v *Vault) Get(name string) (string, error) {
	secret, err := keyring.Get(serviceName, name)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := envKeyName(name)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for %q: not in keychain and %s not set", name, envKey)
}

// Delete removes the API key stored under name from the OS keychain.
func (v *Vault) Delete(name string) error {
	return keyring.Delete(serviceName, name)
}

// List returns the known credential names that currently have keys stored,
// in the keychain or the environment.
func (v *Vault) List() ([]string, error) {
	var names []string

	for _, name := range knownProviders {
		secret, err := keyring.Get(serviceName, name)
		if err == nil && secret != "" {
			names = append(names, name)
			continue
		}
		if val := os.Getenv(envKeyName(name)); val != "" {
			names = append(names, name)
		}
	}

	return names, nil
}

func envKeyName(name string) string {
	return "LLMGATE_KEY_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// IsKeyRef reports whether value uses one of the key reference schemes.
func IsKeyRef(value string) bool {
	for _, p := range []string{"keyring://", "env:", "file://"} {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

// Resolve turns a configured api_key value into a key. Key references are
// resolved with ResolveKeyRef; any other value has ${VAR} and
// ${VAR:-default} placeholders expanded and is returned as a literal key.
// An empty value resolves to an empty key.
func (v *Vault) Resolve(value string) (string, error) {
	value = strings.TrimSpace(value)
	if IsKeyRef(value) {
		return v.ResolveKeyRef(value)
	}
	return ExpandEnv(value), nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// An unset or empty variable takes the default, or the empty string.
func ExpandEnv(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		if val := os.Getenv(sub[1]); val != "" {
			return val
		}
		return sub[3]
	})
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://llmgate/<name>" (OS keychain, then LLMGATE_KEY_<NAME>)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://llmgate/<name>\")", keyRef)
		}
		return v.Get(parts[1])
	}

	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://llmgate/<name>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}
