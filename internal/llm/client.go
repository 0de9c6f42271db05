// Package llm produces completions through Genkit's OpenAI-compatible plugin.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"

	"github.com/basket/aixterm/internal/mcp"
)

// Providers.
const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
)

// compatPluginName namespaces models served by an openai_compatible endpoint.
const compatPluginName = "compat"

const defaultOpenAIModel = "gpt-4o-mini"

// ErrNotConfigured is returned when the endpoint cannot be reached with the
// current settings.
var ErrNotConfigured = errors.New("llm: completion endpoint is not configured")

// Config selects the provider, endpoint and model.
type Config struct {
	// Provider is "openai" or "openai_compatible".
	Provider     string        `yaml:"provider"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

func (c Config) provider() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" {
		return ProviderOpenAICompatible
	}
	return p
}

func (c Config) model() string {
	m := strings.TrimSpace(c.Model)
	if m == "" && c.provider() == ProviderOpenAI {
		return defaultOpenAIModel
	}
	return m
}

func (c Config) apiKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.provider() == ProviderOpenAI {
		return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	return ""
}

func (c Config) pluginName() string {
	if c.provider() == ProviderOpenAI {
		return ProviderOpenAI
	}
	return compatPluginName
}

// ModelName is the Genkit model reference for cfg.
func (c Config) ModelName() string {
	return c.pluginName() + "/" + c.model()
}

// Validate reports settings that would make every completion fail.
func (c Config) Validate() error {
	switch c.provider() {
	case ProviderOpenAI:
		if c.apiKey() == "" {
			return fmt.Errorf("%w: provider openai needs llm.api_key or OPENAI_API_KEY", ErrNotConfigured)
		}
	case ProviderOpenAICompatible:
		if strings.TrimSpace(c.BaseURL) == "" {
			return fmt.Errorf("%w: provider openai_compatible needs llm.base_url", ErrNotConfigured)
		}
		if c.model() == "" {
			return fmt.Errorf("%w: provider openai_compatible needs llm.model", ErrNotConfigured)
		}
	default:
		return fmt.Errorf("llm: unknown provider %q", c.Provider)
	}
	return nil
}

// Client produces completions for the service. Genkit is initialized on
// first use so a service without a completion endpoint still starts.
type Client struct {
	cfg    Config
	logger *slog.Logger

	once  sync.Once
	g     *genkit.Genkit
	model string
	err   error
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{cfg: cfg, logger: logger.With("component", "llm")}
}

func (c *Client) init(ctx context.Context) (*genkit.Genkit, error) {
	c.once.Do(func() {
		if err := c.cfg.Validate(); err != nil {
			c.err = err
			return
		}
		apiKey := c.cfg.apiKey()
		if apiKey == "" {
			// Local servers ignore the key; the OpenAI client still sends one.
			apiKey = "unused"
		}
		plugin := &compat_oai.OpenAICompatible{
			Provider: c.cfg.pluginName(),
			APIKey:   apiKey,
			BaseURL:  strings.TrimSpace(c.cfg.BaseURL),
		}
		c.g = genkit.Init(context.WithoutCancel(ctx), genkit.WithPlugins(plugin))
		c.model = c.cfg.ModelName()
		c.logger.Info("completion client initialized", "provider", c.cfg.provider(), "model", c.model)
	})
	return c.g, c.err
}

// Complete returns the full assistant reply.
func (c *Client) Complete(ctx context.Context, messages []Message, tools []mcp.ToolDescriptor) (string, error) {
	g, err := c.init(ctx)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := genkit.Generate(ctx, g, c.generateOptions(messages, tools)...)
	if err != nil {
		return "", fmt.Errorf("llm: generate: %w", err)
	}
	c.logger.Debug("completion finished", "stream", false, "elapsed_ms", time.Since(start).Milliseconds())
	return resp.Text(), nil
}

// Stream requests a streamed reply and passes each text part to emit.
// It returns the concatenated text.
func (c *Client) Stream(ctx context.Context, messages []Message, tools []mcp.ToolDescriptor, emit func(chunk string) error) (string, error) {
	g, err := c.init(ctx)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var text strings.Builder
	var final string
	for val, err := range genkit.GenerateStream(ctx, g, c.generateOptions(messages, tools)...) {
		if err != nil {
			return text.String(), fmt.Errorf("llm: stream: %w", err)
		}
		if val.Chunk != nil {
			for _, part := range val.Chunk.Content {
				if part.Kind != ai.PartText || part.Text == "" {
					continue
				}
				text.WriteString(part.Text)
				if err := emit(part.Text); err != nil {
					return text.String(), err
				}
			}
		}
		if val.Done && val.Response != nil {
			final = val.Response.Text()
		}
	}
	c.logger.Debug("completion finished", "stream", true, "elapsed_ms", time.Since(start).Milliseconds())

	// Some endpoints answer a stream request with a single final message.
	if text.Len() == 0 && final != "" {
		if err := emit(final); err != nil {
			return final, err
		}
		return final, nil
	}
	return text.String(), nil
}

func (c *Client) generateOptions(messages []Message, tools []mcp.ToolDescriptor) []ai.GenerateOption {
	system, rest := systemPrompt(c.cfg.SystemPrompt, messages, tools)
	opts := []ai.GenerateOption{ai.WithModelName(c.model)}
	if system != "" {
		// ai.WithSystem formats its text.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if msgs := toGenkit(rest); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	return opts
}

// systemPrompt returns the system text and the remaining conversation. A
// leading system message wins over the configured prompt; otherwise the
// configured prompt is extended with the available tools.
func systemPrompt(configured string, messages []Message, tools []mcp.ToolDescriptor) (string, []Message) {
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		return messages[0].Content, messages[1:]
	}
	if len(tools) == 0 {
		return strings.TrimSpace(configured), messages
	}
	var b strings.Builder
	b.WriteString(configured)
	b.WriteString("\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()), messages
}
