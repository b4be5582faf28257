package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pocketbotio/pocketbot/pkg/bus"
	"github.com/pocketbotio/pocketbot/pkg/config"
	"github.com/pocketbotio/pocketbot/pkg/dispatch"
	"github.com/pocketbotio/pocketbot/pkg/logger"
	"github.com/pocketbotio/pocketbot/pkg/utils"
)

const discordMaxMessageLen = 2000

// DiscordChannel listens on the Discord gateway and answers in-channel.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
	httpc   *http.Client
	timeout time.Duration
}

func NewDiscordChannel(cfg config.DiscordConfig, sink Sink) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", sink, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		httpc:       &http.Client{Timeout: 60 * time.Second},
		timeout:     2 * time.Minute,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord channel...")

	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.setRunning(true)
	logger.InfoCF("discord", "Discord channel connected", map[string]interface{}{
		"user": c.session.State.User.Username,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord channel...")
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if !c.IsRunning() || m.Author == nil || m.Author.Bot {
		return
	}
	if !c.IsAllowed(m.Author.ID, m.Author.Username) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{
			"user_id": m.Author.ID,
		})
		return
	}

	ev := c.buildEvent(m)
	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"event_id": ev.EventID,
		"kind":     string(ev.Kind),
		"preview":  utils.Truncate(ev.Text, 50),
	})

	if err := c.session.ChannelTyping(m.ChannelID); err != nil {
		logger.DebugCF("discord", "Failed to send typing indicator", map[string]interface{}{
			"error": err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, reply := c.sink.Dispatch(ctx, ev, &urlFetcher{httpc: c.httpc})
	if result == dispatch.FailedTransient {
		// The gateway has no redelivery mechanism, so the exchange is lost.
		logger.WarnCF("discord", "Message dropped during backend outage", map[string]interface{}{
			"event_id": ev.EventID,
		})
		return
	}
	if result != dispatch.Acknowledged || reply == nil {
		return
	}
	if err := c.Send(ctx, reply); err != nil {
		logger.ErrorCF("discord", "Failed to deliver reply", map[string]interface{}{
			"channel_id": reply.ChatID,
			"error":      err.Error(),
		})
	}
}

func (c *DiscordChannel) buildEvent(m *discordgo.MessageCreate) *bus.InboundEvent {
	ev := &bus.InboundEvent{
		EventID: "discord:" + m.ID,
		Channel: "discord",
		UserID:  m.Author.ID,
		ChatID:  m.ChannelID,
		Kind:    bus.KindUnknown,
		Metadata: map[string]string{
			"username": m.Author.Username,
			"guild_id": m.GuildID,
		},
	}

	switch {
	case len(m.Attachments) > 0:
		att := m.Attachments[0]
		ev.Text = m.Content
		ev.MediaRef = att.URL
		ev.Filename = att.Filename
		ev.MimeType = att.ContentType
		ev.FileSize = int64(att.Size)
		if utils.IsImageMime(att.ContentType) || utils.ImageMimeFromName(att.Filename) != "" {
			ev.Kind = bus.KindImage
		} else {
			ev.Kind = bus.KindFile
		}
	case m.Content != "":
		ev.Kind = bus.KindText
		ev.Text = m.Content
	}

	return ev
}

func (c *DiscordChannel) Send(ctx context.Context, reply *bus.OutboundReply) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord channel not running")
	}
	chunks := splitLargeMessage(reply.Text, discordMaxMessageLen)
	for i, chunk := range chunks {
		if _, err := c.session.ChannelMessageSend(reply.ChatID, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// urlFetcher downloads attachment bytes from a direct CDN URL.
type urlFetcher struct {
	httpc *http.Client
}

func (f *urlFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
