package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/allaspectsdev/llmgate/internal/config"
	"github.com/allaspectsdev/llmgate/internal/gateway"
	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/tokenizer"
)

const initTimeout = 30 * time.Second

// cmdProviders lists the enabled providers in priority order.
func cmdProviders(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("providers", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTYPE\tBACKENDS\tPRIORITY\tDEFAULT")
	for _, id := range cfg.EnabledProviders() {
		p := cfg.LLM.Providers[id]
		members := make([]string, len(p.Backends))
		for i, b := range p.Backends {
			members[i] = b.ID
		}
		def := ""
		if id == cfg.LLM.DefaultProvider {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", id, p.Kind, orDash(p.Type), strings.Join(members, ","), p.Priority, def)
	}
	return tw.Flush()
}

// cmdGenerate runs one generation through a gateway built in process, so it
// works without a running daemon.
func cmdGenerate(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "config file")
	provider := fs.StringP("provider", "p", "", "provider id")
	model := fs.StringP("model", "m", "", "model id (router providers)")
	task := fs.StringP("task", "t", "", "task label")
	system := fs.String("system", "", "system message")
	maxTokens := fs.Int("max-tokens", 0, "completion token limit")
	temperature := fs.Float64("temperature", -1, "sampling temperature")
	truncate := fs.Bool("truncate", false, "truncate a prompt that does not fit")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return errors.New("usage: llmgate generate [flags] <prompt>")
	}

	req := &llm.GenerationRequest{
		ProviderID: *provider,
		ModelID:    *model,
		Task:       *task,
		MaxTokens:  *maxTokens,
		Truncate:   *truncate,
		Prompt:     llm.TextPrompt(text),
	}
	if *system != "" {
		req.Prompt = llm.MessagePrompt(
			llm.Message{Role: llm.RoleSystem, Content: *system},
			llm.Message{Role: llm.RoleUser, Content: text},
		)
	}
	if fs.Changed("temperature") {
		req.Temperature = llm.Float(*temperature)
	}

	return withGateway(*configPath, func(ctx context.Context, gw *gateway.Gateway) error {
		res, err := gw.Generate(ctx, req)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(out, res)
		}
		fmt.Fprintln(out, res.Text)
		return nil
	})
}

// cmdEmbed embeds each argument and prints the result as JSON.
func cmdEmbed(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("embed", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "config file")
	provider := fs.StringP("provider", "p", "", "provider id")
	model := fs.StringP("model", "m", "", "model id (router providers)")
	task := fs.StringP("task", "t", "", "task label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: llmgate embed [flags] <text>...")
	}

	req := &llm.EmbeddingRequest{Texts: fs.Args(), ProviderID: *provider, ModelID: *model, Task: *task}
	return withGateway(*configPath, func(ctx context.Context, gw *gateway.Gateway) error {
		res, err := gw.Embed(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	})
}

// cmdCount reports the token count of a text for a model, its share of the
// context window and the input cost at list price.
func cmdCount(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("count", pflag.ContinueOnError)
	model := fs.StringP("model", "m", "gpt-4o", "model")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		return errors.New("usage: llmgate count [--model m] <text>")
	}

	b := tokenizer.New()
	n := b.Count(text, *model)
	method := "estimated"
	if b.Exact(*model) {
		method = b.Encoding(*model)
	}
	fmt.Fprintf(out, "Model:     %s\n", *model)
	fmt.Fprintf(out, "Tokens:    %d (%s)\n", n, method)
	fmt.Fprintf(out, "Context:   %d (%d remaining)\n", b.ContextSize(*model), b.Remaining(n, *model))
	if _, ok := tokenizer.GetPricing(*model); ok {
		fmt.Fprintf(out, "Cost:      $%.6f\n", tokenizer.EstimateCost(*model, n, 0))
	}
	return nil
}

// withGateway loads config, builds and initializes a gateway, runs fn and
// closes the gateway. Interrupts cancel the call.
func withGateway(configPath string, fn func(ctx context.Context, gw *gateway.Gateway) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()

	gw, err := gateway.Build(cfg, gateway.BuildOptions{Logger: &logger})
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	err = gw.Initialize(initCtx)
	cancel()
	if err != nil {
		return err
	}
	return fn(ctx, gw)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
