// Package llmprovider bridges iris LLM providers to the core chat client
// interfaces. Providers are instantiated through the iris registry, so any
// provider iris knows about can back a relay deployment.
package llmprovider

import (
	"fmt"

	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/halcyon-labs/chatrelay/core"
)

// Config carries provider credentials.
type Config struct {
	APIKey string
}

// NewClient creates a streaming chat client for the named provider. It
// delegates to the iris provider registry to instantiate the underlying
// provider.
func NewClient(name string, cfg Config) (core.StreamingChatClient, error) {
	provider, err := providers.Create(name, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return &irisAdapter{provider: provider}, nil
}
