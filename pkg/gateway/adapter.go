package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/conductor/pkg/agent"
	"github.com/openclaw/conductor/pkg/models"
)

// AgentAdapter exposes one discovered gateway agent as an agent.Adapter.
// Each adapter owns a fresh session key so its chats stay grouped at the
// gateway and isolated from other adapters.
type AgentAdapter struct {
	client     *Client
	profile    AgentProfile
	sessionKey string
	timeout    time.Duration
}

// GatewayAdapterOption configures a gateway agent adapter.
type GatewayAdapterOption func(*AgentAdapter)

// WithChatTimeout overrides the default 120 s chat timeout.
func WithChatTimeout(d time.Duration) GatewayAdapterOption {
	return func(a *AgentAdapter) { a.timeout = d }
}

// NewAgentAdapter wraps a discovered agent profile on the given client.
func NewAgentAdapter(client *Client, profile AgentProfile, opts ...GatewayAdapterOption) *AgentAdapter {
	a := &AgentAdapter{
		client:     client,
		profile:    profile,
		sessionKey: fmt.Sprintf("conductor:%s:%s", profile.Name, uuid.NewString()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AgentAdapter) Info() agent.Info {
	return agent.Info{
		Name:         a.profile.Name,
		Type:         agent.TypeGateway,
		Description:  a.profile.Description,
		Capabilities: a.profile.Capabilities,
	}
}

// Execute runs the task as a gateway chat, prefixing the agent's role
// prompt. Gateway failures are contained as failed results; only caller
// cancellation surfaces as an error.
func (a *AgentAdapter) Execute(ctx context.Context, task string) (*models.TaskResult, error) {
	prompt := task
	if a.profile.RolePrompt != "" {
		prompt = a.profile.RolePrompt + "\n\n" + task
	}

	start := time.Now()
	text, err := a.client.Chat(ctx, prompt, ChatOptions{
		SessionKey: a.sessionKey,
		AgentID:    a.profile.ID,
		Timeout:    a.timeout,
	})
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var gerr *GatewayError
		if errors.As(err, &gerr) && gerr.Code == "timeout" {
			return models.NewTaskResult(models.ResultTimeout, err.Error(), elapsed), nil
		}
		return models.NewTaskResult(models.ResultError, err.Error(), elapsed), nil
	}
	return models.NewTaskResult(models.ResultOK, text, elapsed), nil
}

// HealthCheck probes the gateway hosting the agent.
func (a *AgentAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Health(ctx)
	return err
}
