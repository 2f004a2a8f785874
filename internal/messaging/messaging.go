// Package messaging delivers outbound WhatsApp messages.
package messaging

import (
	"context"
	"strings"
)

// MinPhoneDigits is the shortest phone number, in digits, that can receive a message.
const MinPhoneDigits = 9

// ChannelStatus describes the health of an outbound channel.
type ChannelStatus struct {
	Provider  string `json:"provider"`
	Connected bool   `json:"connected"`
	Sender    string `json:"sender,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Channel is the outbound messaging collaborator. Send methods return an error on delivery failure.
type Channel interface {
	SendMessage(ctx context.Context, phone, text string) error
	SendTemplate(ctx context.Context, phone, templateName string, params map[string]string) error
	Status(ctx context.Context) (ChannelStatus, error)
}

// NormalizePhone strips every non-digit character.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidPhone reports whether raw normalizes to at least MinPhoneDigits digits.
func ValidPhone(raw string) bool {
	return len(NormalizePhone(raw)) >= MinPhoneDigits
}

// Personalize substitutes the {name} placeholder.
func Personalize(template, name string) string {
	return strings.ReplaceAll(template, "{name}", name)
}
