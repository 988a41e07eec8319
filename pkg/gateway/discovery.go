package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// AgentProfile describes one agent hosted on a gateway.
type AgentProfile struct {
	ID           string
	Name         string
	Description  string
	Capabilities []string
	RolePrompt   string
}

type agentListItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DiscoverAgents lists the gateway's agents and enriches each with its
// SOUL.md. A missing or unreadable SOUL.md degrades that agent to id and
// name only; a failing agents.list fails the discovery.
func (c *Client) DiscoverAgents(ctx context.Context) ([]AgentProfile, error) {
	payload, err := c.Call(ctx, "agents.list", nil)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	items, err := parseAgentList(payload)
	if err != nil {
		return nil, fmt.Errorf("parsing agents.list response: %w", err)
	}

	profiles := make([]AgentProfile, 0, len(items))
	for _, item := range items {
		name := item.Name
		if name == "" {
			name = item.ID
		}
		profile := AgentProfile{ID: item.ID, Name: name}

		if soul, err := c.fetchSoul(ctx, item.ID); err != nil {
			c.logger.Debug("no SOUL.md for agent", "agent", item.ID, "error", err)
		} else {
			profile.Description = soul.Description
			profile.Capabilities = soul.Capabilities
			profile.RolePrompt = soul.RolePrompt
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// parseAgentList accepts both a bare array and an {agents:[...]} wrapper.
func parseAgentList(payload json.RawMessage) ([]agentListItem, error) {
	var wrapped struct {
		Agents []agentListItem `json:"agents"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Agents != nil {
		return wrapped.Agents, nil
	}
	var bare []agentListItem
	if err := json.Unmarshal(payload, &bare); err != nil {
		return nil, err
	}
	return bare, nil
}

func (c *Client) fetchSoul(ctx context.Context, agentID string) (Soul, error) {
	payload, err := c.Call(ctx, "agents.files.get", map[string]any{
		"agentId": agentID,
		"name":    "SOUL.md",
	})
	if err != nil {
		return Soul{}, err
	}

	var wrapped struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Content != "" {
		return ParseSoul(wrapped.Content), nil
	}
	var bare string
	if err := json.Unmarshal(payload, &bare); err == nil && bare != "" {
		return ParseSoul(bare), nil
	}
	return Soul{}, fmt.Errorf("agents.files.get returned no content")
}
