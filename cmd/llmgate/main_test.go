package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/allaspectsdev/llmgate/internal/config"
	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/testutil"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/embeddings") {
			w.Write([]byte(testutil.SampleOpenAIEmbeddingResponse))
			return
		}
		w.Write([]byte(testutil.SampleOpenAIChatResponse))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	return testutil.WriteFile(t, dir, "llmgate.toml", `
[server]
data_dir = "`+filepath.ToSlash(dir)+`"

[llm]
default_provider = "main"

[llm.providers.main]
kind = "single"
type = "openai"
priority = 1

[[llm.providers.main.backends]]
base_url = "`+srv.URL+`"
model = "gpt-4o-mini"
api_key = "sk-test"

[llm.providers.spare]
kind = "single"
type = "openai"
priority = 2

[[llm.providers.spare.backends]]
base_url = "`+srv.URL+`"
model = "gpt-4o-mini"
api_key = "sk-test"
`)
}

func TestCmdProviders(t *testing.T) {
	path := writeConfig(t)
	var out bytes.Buffer
	if err := cmdProviders([]string{"--config", path}, &out); err != nil {
		t.Fatalf("cmdProviders: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two providers, got:\n%s", out.String())
	}
	if !strings.HasPrefix(lines[1], "main") || !strings.HasSuffix(lines[1], "*") {
		t.Errorf("first row should be the default provider: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "spare") {
		t.Errorf("second row: %q", lines[2])
	}
}

func TestCmdGenerate(t *testing.T) {
	path := writeConfig(t)
	var out bytes.Buffer
	if err := cmdGenerate([]string{"-c", path, "say", "hello"}, &out); err != nil {
		t.Fatalf("cmdGenerate: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != testutil.SampleReply {
		t.Errorf("got %q, want %q", got, testutil.SampleReply)
	}
}

func TestCmdGenerate_JSON(t *testing.T) {
	path := writeConfig(t)
	var out bytes.Buffer
	err := cmdGenerate([]string{"-c", path, "--provider", "spare", "--system", "be brief", "--json", "hi"}, &out)
	if err != nil {
		t.Fatalf("cmdGenerate: %v", err)
	}
	var res llm.GenerationResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out.String())
	}
	if res.Metadata.ProviderID != "spare" {
		t.Errorf("ProviderID: got %q, want spare", res.Metadata.ProviderID)
	}
	if res.Usage.TotalTokens != 37 {
		t.Errorf("TotalTokens: got %d, want 37", res.Usage.TotalTokens)
	}
}

func TestCmdGenerate_NoPrompt(t *testing.T) {
	if err := cmdGenerate(nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestCmdEmbed(t *testing.T) {
	path := writeConfig(t)
	var out bytes.Buffer
	if err := cmdEmbed([]string{"-c", path, "first", "second"}, &out); err != nil {
		t.Fatalf("cmdEmbed: %v", err)
	}
	var res llm.EmbeddingResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if len(res.Vectors) != 2 || res.Vectors[0][0] != 0.1 {
		t.Errorf("vectors out of input order: %v", res.Vectors)
	}
}

func TestCmdCount(t *testing.T) {
	var out bytes.Buffer
	if err := cmdCount([]string{"--model", "gpt-4o", "hello", "world"}, &out); err != nil {
		t.Fatalf("cmdCount: %v", err)
	}
	s := out.String()
	for _, want := range []string{"Model:     gpt-4o", "Tokens:    ", "Context:   128000", "Cost:"} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestImportExportConfig(t *testing.T) {
	src := writeConfig(t)
	dest := filepath.Join(t.TempDir(), "nested", "llmgate.toml")
	if err := importConfig(src, dest); err != nil {
		t.Fatalf("importConfig: %v", err)
	}
	cfg, err := config.Load(dest)
	if err != nil {
		t.Fatalf("loading imported config: %v", err)
	}
	if cfg.LLM.DefaultProvider != "main" || len(cfg.LLM.Providers) != 2 {
		t.Errorf("imported config lost providers: %+v", cfg.LLM)
	}

	exported := filepath.Join(t.TempDir(), "export.toml")
	if err := exportConfig(dest, exported); err != nil {
		t.Fatalf("exportConfig: %v", err)
	}
	if _, err := config.Load(exported); err != nil {
		t.Errorf("exported config does not load: %v", err)
	}

	bad := testutil.WriteFile(t, t.TempDir(), "bad.toml", "[llm]\ndefault_provider = \"ghost\"\n")
	if err := importConfig(bad, filepath.Join(t.TempDir(), "x.toml")); err == nil {
		t.Error("expected an invalid config to be rejected")
	}
}
