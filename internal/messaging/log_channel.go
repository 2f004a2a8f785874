package messaging

import (
	"context"

	"crm/internal/logger"
)

// LogChannel only logs outbound messages. Used when no provider is configured.
type LogChannel struct {
	log *logger.Logger
}

func NewLogChannel(log *logger.Logger) *LogChannel {
	return &LogChannel{log: log.With("client", "LogChannel")}
}

func (c *LogChannel) SendMessage(_ context.Context, phone, text string) error {
	c.log.Info("whatsapp message (dry run)", "phone", NormalizePhone(phone), "length", len(text))
	return nil
}

func (c *LogChannel) SendTemplate(_ context.Context, phone, templateName string, params map[string]string) error {
	c.log.Info("whatsapp template (dry run)", "phone", NormalizePhone(phone), "template", templateName, "params", len(params))
	return nil
}

func (c *LogChannel) Status(context.Context) (ChannelStatus, error) {
	return ChannelStatus{Provider: "log", Connected: true, Detail: "dry run"}, nil
}
