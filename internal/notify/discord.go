// Package notify delivers out-of-band alerts about relay activity.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/Dadudekc/SWARM-sub002/internal/relay"
)

// Discord message bodies are capped by the API.
const discordMessageLimit = 2000

type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts relay notifications into a single channel. It implements
// relay.Notifier; delivery failures are reported, never fatal.
type Discord struct {
	session   *discordgo.Session
	sender    messageSender
	channelID string
}

func NewDiscord(token, channelID string) (*Discord, error) {
	token = strings.TrimSpace(token)
	channelID = strings.TrimSpace(channelID)
	if token == "" || channelID == "" {
		return nil, relay.ErrInvalidInput
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Discord{session: session, sender: session, channelID: channelID}, nil
}

func (d *Discord) Open() error {
	if d == nil || d.session == nil {
		return relay.ErrInvalidState
	}
	return d.session.Open()
}

func (d *Discord) Close() error {
	if d == nil || d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) Notify(ctx context.Context, subject, body string) error {
	if d == nil || d.sender == nil {
		return relay.ErrInvalidState
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.sender.ChannelMessageSend(d.channelID, FormatNotification(subject, body))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func FormatNotification(subject, body string) string {
	content := fmt.Sprintf("**%s**\n%s", subject, body)
	if len(content) > discordMessageLimit {
		content = content[:discordMessageLimit-3] + "..."
	}
	return content
}
