// Package dispatcher wraps one provider client behind a uniform handle that
// Provider Discovery and Strategy can hold without knowing which concrete
// provider package built it.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/infergate/internal/providers"
	anthropicprov "github.com/relaymesh/infergate/internal/providers/anthropic"
	azureprov "github.com/relaymesh/infergate/internal/providers/azure"
	bedrockprov "github.com/relaymesh/infergate/internal/providers/bedrock"
	geminiprov "github.com/relaymesh/infergate/internal/providers/gemini"
	ollamaprov "github.com/relaymesh/infergate/internal/providers/ollama"
	openaiprov "github.com/relaymesh/infergate/internal/providers/openai"
	openaicompatprov "github.com/relaymesh/infergate/internal/providers/openaicompat"
	"github.com/relaymesh/infergate/internal/types"
)

// Timeouts holds a connect and a full-request bound for a Dispatcher's
// client. Build accepts it but does not apply it: every provider client
// uses its package's fixed timeout (providers.ProviderTimeout).
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
}

// Dispatcher is a thin polymorphic wrapper around one provider.Provider,
// tagged with the InferenceProvider it fronts.
type Dispatcher struct {
	Provider types.InferenceProvider
	client   providers.Provider
}

// Dispatch forwards a normalized request to the wrapped provider client.
func (d *Dispatcher) Dispatch(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return d.client.Request(ctx, req)
}

// HealthCheck forwards to the wrapped provider client.
func (d *Dispatcher) HealthCheck(ctx context.Context) error {
	return d.client.HealthCheck(ctx)
}

// Client exposes the underlying provider client for callers (e.g. the
// embeddings path) that need the optional EmbeddingProvider interface.
func (d *Dispatcher) Client() providers.Provider { return d.client }

// InitError wraps a failure building the provider client for a given key,
// mirroring the Rust original's factory contract where a malformed base URL
// or a credential shape that doesn't match the provider kind is rejected at
// construction, not at first dispatch.
type InitError struct {
	Provider types.InferenceProvider
	Reason   string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("dispatcher: build %s: %s", e.Provider, e.Reason)
}

// Build constructs a Dispatcher for the given provider and credential.
func Build(ctx context.Context, provider types.InferenceProvider, baseURL string, key types.ProviderKey, timeouts Timeouts) (*Dispatcher, error) {
	switch provider.Kind {
	case types.ProviderOpenAI:
		secret, err := requireSecret(provider, key)
		if err != nil {
			return nil, err
		}
		var opts []openaiprov.Option
		if baseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(baseURL))
		}
		return &Dispatcher{Provider: provider, client: openaiprov.New(secret.Expose(), opts...)}, nil

	case types.ProviderAnthropic:
		secret, err := requireSecret(provider, key)
		if err != nil {
			return nil, err
		}
		var opts []anthropicprov.Option
		if baseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(baseURL))
		}
		return &Dispatcher{Provider: provider, client: anthropicprov.New(secret.Expose(), opts...)}, nil

	case types.ProviderGemini:
		secret, err := requireSecret(provider, key)
		if err != nil {
			return nil, err
		}
		var opts []geminiprov.Option
		if baseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(baseURL))
		}
		client := geminiprov.New(ctx, secret.Expose(), opts...)
		if client == nil {
			return nil, &InitError{Provider: provider, Reason: "genai client construction failed"}
		}
		return &Dispatcher{Provider: provider, client: client}, nil

	case types.ProviderBedrock:
		if key.AWSCreds == nil {
			return nil, &InitError{Provider: provider, Reason: "AWS credentials required"}
		}
		var opts []bedrockprov.Option
		if baseURL != "" {
			opts = append(opts, bedrockprov.WithEndpointURL(baseURL))
		}
		client := bedrockprov.New(
			key.AWSCreds.AccessKey.Expose(),
			key.AWSCreds.SecretKey.Expose(),
			key.AWSCreds.Region,
			opts...,
		)
		return &Dispatcher{Provider: provider, client: client}, nil

	case types.ProviderOllama:
		var opts []ollamaprov.Option
		if baseURL != "" {
			opts = append(opts, ollamaprov.WithBaseURL(baseURL))
		}
		return &Dispatcher{Provider: provider, client: ollamaprov.New(opts...)}, nil

	case types.ProviderOpenAICompatible:
		secret, err := requireSecret(provider, key)
		if err != nil {
			return nil, err
		}
		if provider.Name == "" {
			return nil, &InitError{Provider: provider, Reason: "openai-compatible provider requires a name"}
		}
		if baseURL == "" {
			return nil, &InitError{Provider: provider, Reason: "openai-compatible provider requires a base URL"}
		}
		client := openaicompatprov.New(provider.Name, secret.Expose(), baseURL)
		return &Dispatcher{Provider: provider, client: client}, nil
	}

	return nil, &InitError{Provider: provider, Reason: "unsupported provider kind"}
}

// BuildAzure constructs a Dispatcher for Azure OpenAI, which needs three
// fields (endpoint, key, API version) rather than the base-URL+secret shape
// every other provider uses, so it gets its own entry point instead of being
// shoehorned into Build's single-baseURL signature.
func BuildAzure(endpoint, apiKey, apiVersion string) (*Dispatcher, error) {
	if endpoint == "" || apiKey == "" {
		return nil, &InitError{Reason: "azure requires both endpoint and api key"}
	}
	if apiVersion == "" {
		apiVersion = "2024-12-01-preview"
	}
	provider := types.InferenceProvider{Kind: types.ProviderOpenAICompatible, Name: "azure"}
	client := azureprov.New(endpoint, apiKey, apiVersion)
	return &Dispatcher{Provider: provider, client: client}, nil
}

// Wrap adapts an already-constructed provider client into a Dispatcher,
// tagging it with provider. Used by the router layer to reuse the clients
// app.buildProviders already built from top-level config rather than
// re-resolving credentials per router.
func Wrap(provider types.InferenceProvider, client providers.Provider) *Dispatcher {
	return &Dispatcher{Provider: provider, client: client}
}

func requireSecret(provider types.InferenceProvider, key types.ProviderKey) (types.Secret[string], error) {
	if key.Secret == nil {
		return types.Secret[string]{}, &InitError{Provider: provider, Reason: "bearer credential required"}
	}
	return *key.Secret, nil
}
