package channels

import (
	"context"
	"log/slog"

	"github.com/basket/hookbridge/internal/broker"
)

// Noop is the messenger used when no Telegram token is configured. Prompts
// are logged instead of sent, so delegated-mode requests fall through to
// their timeout default.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) SendPrompt(_ context.Context, p broker.Prompt) error {
	n.Logger.Info("no operator channel configured, prompt dropped",
		"request_id", p.RequestID, "agent_id", p.AgentID, "action", p.Action)
	return nil
}

func (n Noop) SendNotification(_ context.Context, agentID, agentName, kind, payload string) error {
	n.Logger.Info("no operator channel configured, notification dropped",
		"agent_id", agentID, "kind", kind, "payload", payload)
	return nil
}

func (n Noop) SendNotice(_ context.Context, text string) error {
	n.Logger.Info("no operator channel configured, notice dropped", "text", text)
	return nil
}
