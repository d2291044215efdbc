package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/logging"
)

// NewBackend selects the back end for a role by provider name.
func NewBackend(ctx context.Context, rc config.RoleConfig) (Backend, error) {
	zap.L().Info("stage backend configured",
		zap.String("stage", rc.Role),
		zap.String("provider", rc.Provider),
		zap.String("model", rc.Model),
		zap.String("api_key", logging.MaskSecret(rc.APIKey)),
	)
	switch rc.Provider {
	case "openai", "perplexity":
		if rc.BaseURL == "" {
			return nil, fmt.Errorf("%s: base url required for provider %s", rc.Role, rc.Provider)
		}
		return NewChatBackend(rc.BaseURL, rc.APIKey, rc.Model, rc.Timeout), nil
	case "gemini":
		return NewGeminiBackend(ctx, rc.APIKey, rc.Model)
	case "static":
		return StaticBackend{}, nil
	default:
		return nil, fmt.Errorf("%s: unknown provider %q", rc.Role, rc.Provider)
	}
}

// NewClients builds one client per role in pipeline order. Callers release
// them with CloseClients.
func NewClients(ctx context.Context, cfg config.Config) (map[string]*Client, error) {
	clients := make(map[string]*Client, 4)
	for _, rc := range cfg.Roles() {
		backend, err := NewBackend(ctx, rc)
		if err != nil {
			_ = CloseClients(clients)
			return nil, err
		}
		clients[rc.Role] = NewClient(rc.Role, backend, rc.Timeout, rc.Retries, rc.MaxTokens)
	}
	return clients, nil
}

// CloseClients closes every client and joins the errors.
func CloseClients(clients map[string]*Client) error {
	var errs []error
	for role, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", role, err))
		}
	}
	return errors.Join(errs...)
}
