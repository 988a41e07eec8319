package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Thinker asks a gateway-hosted model for the next orchestration
// directive. Each thinker owns one session key, so a run's planning turns
// share a conversation at the gateway.
type Thinker struct {
	registry  *Registry
	preferred string

	sessionKey string
}

// NewThinker creates a thinker over the gateway pool. preferred names the
// gateway to try first; empty falls back through the pool in order.
func NewThinker(registry *Registry, preferred string) *Thinker {
	return &Thinker{
		registry:   registry,
		preferred:  preferred,
		sessionKey: fmt.Sprintf("conductor:thinker:%s", uuid.NewString()),
	}
}

// Think sends the prompt as a chat and returns the model's reply.
func (t *Thinker) Think(ctx context.Context, prompt string) (string, error) {
	client, err := t.registry.Pick(ctx, t.preferred)
	if err != nil {
		return "", err
	}
	return client.Chat(ctx, prompt, ChatOptions{SessionKey: t.sessionKey})
}
