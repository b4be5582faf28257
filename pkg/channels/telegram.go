package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pocketbotio/pocketbot/pkg/bus"
	"github.com/pocketbotio/pocketbot/pkg/config"
	"github.com/pocketbotio/pocketbot/pkg/dispatch"
	"github.com/pocketbotio/pocketbot/pkg/logger"
	"github.com/pocketbotio/pocketbot/pkg/utils"
)

const telegramMaxMessageLen = 4096

// TelegramChannel receives updates over a webhook and answers through
// the Bot API.
type TelegramChannel struct {
	*BaseChannel
	bot     *telego.Bot
	config  config.TelegramConfig
	httpc   *http.Client
	timeout time.Duration
}

func NewTelegramChannel(cfg config.TelegramConfig, sink Sink) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", sink, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		httpc:       &http.Client{Timeout: 60 * time.Second},
		// Must stay under Telegram's webhook response deadline of about
		// a minute, or every slow exchange gets redelivered.
		timeout: 50 * time.Second,
	}, nil
}

// Start registers the webhook with Telegram. Updates arrive through the
// gateway, not a connection held here.
func (c *TelegramChannel) Start(ctx context.Context) error {
	if c.config.WebhookURL != "" {
		params := &telego.SetWebhookParams{
			URL:         strings.TrimRight(c.config.WebhookURL, "/") + c.WebhookPath(),
			SecretToken: c.config.WebhookSecret,
		}
		if err := c.bot.SetWebhook(ctx, params); err != nil {
			return fmt.Errorf("set telegram webhook: %w", err)
		}
		logger.InfoCF("telegram", "Webhook registered", map[string]interface{}{
			"url": params.URL,
		})
	} else {
		logger.WarnC("telegram", "No webhook URL configured; expecting updates to be forwarded manually")
	}

	c.setRunning(true)
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram channel...")
	c.setRunning(false)
	return c.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{})
}

// WebhookPath is where the gateway routes Telegram update posts.
func (c *TelegramChannel) WebhookPath() string { return "/webhook/telegram" }

// WebhookSecret returns the token Telegram echoes in its webhook requests.
func (c *TelegramChannel) WebhookSecret() string { return c.config.WebhookSecret }

// WebhookHandler accepts update posts from Telegram. Processing is
// synchronous: a transient backend outage is answered with a 5xx so
// Telegram redelivers the update once the outage has passed.
func (c *TelegramChannel) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if c.config.WebhookSecret != "" &&
			r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != c.config.WebhookSecret {
			logger.WarnC("telegram", "Webhook post with bad secret token")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var update telego.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			logger.WarnCF("telegram", "Undecodable webhook payload", map[string]interface{}{
				"error": err.Error(),
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.WriteHeader(webhookStatus(c.ProcessUpdate(r.Context(), update)))
	})
}

// webhookStatus maps a dispatch outcome to the HTTP status Telegram sees.
// Anything but a transient failure is acknowledged; Telegram redelivers
// on every non-2xx answer.
func webhookStatus(result dispatch.Result) int {
	if result == dispatch.FailedTransient {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// ProcessUpdate normalizes one update and runs it through the pipeline,
// reporting the dispatch outcome. Updates that are filtered out before
// dispatch count as acknowledged.
func (c *TelegramChannel) ProcessUpdate(ctx context.Context, update telego.Update) dispatch.Result {
	if !c.IsRunning() {
		// Mid-shutdown deliveries should be retried against the next
		// instance rather than silently dropped.
		return dispatch.FailedTransient
	}
	message := update.Message
	if message == nil || message.From == nil {
		return dispatch.Acknowledged
	}

	user := message.From
	userID := fmt.Sprintf("%d", user.ID)
	if !c.IsAllowed(userID, user.Username) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]interface{}{
			"user_id":  userID,
			"username": user.Username,
		})
		return dispatch.Acknowledged
	}

	chatID := message.Chat.ID
	ev := c.buildEvent(update)

	logger.DebugCF("telegram", "Received update", map[string]interface{}{
		"event_id": ev.EventID,
		"kind":     string(ev.Kind),
		"preview":  utils.Truncate(ev.Text, 50),
	})

	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		logger.DebugCF("telegram", "Failed to send typing action", map[string]interface{}{
			"error": err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, reply := c.sink.Dispatch(ctx, ev, &telegramFetcher{bot: c.bot, httpc: c.httpc})
	if result != dispatch.Acknowledged || reply == nil {
		return result
	}
	if err := c.Send(ctx, reply); err != nil {
		logger.ErrorCF("telegram", "Failed to deliver reply", map[string]interface{}{
			"chat_id": reply.ChatID,
			"error":   err.Error(),
		})
	}
	return result
}

func (c *TelegramChannel) buildEvent(update telego.Update) *bus.InboundEvent {
	message := update.Message
	user := message.From

	ev := &bus.InboundEvent{
		EventID: fmt.Sprintf("telegram:%d", update.UpdateID),
		Channel: "telegram",
		UserID:  fmt.Sprintf("%d", user.ID),
		ChatID:  fmt.Sprintf("%d", message.Chat.ID),
		Kind:    bus.KindUnknown,
		Metadata: map[string]string{
			"message_id": fmt.Sprintf("%d", message.MessageID),
			"username":   user.Username,
			"first_name": user.FirstName,
		},
	}

	switch {
	case len(message.Photo) > 0:
		// Telegram provides multiple resolutions; the last is the largest.
		photo := message.Photo[len(message.Photo)-1]
		ev.Kind = bus.KindImage
		ev.Text = message.Caption
		ev.MediaRef = photo.FileID
		ev.FileSize = int64(photo.FileSize)
		ev.MimeType = "image/jpeg"
	case message.Document != nil:
		doc := message.Document
		ev.Kind = bus.KindFile
		ev.Text = message.Caption
		ev.MediaRef = doc.FileID
		ev.Filename = doc.FileName
		ev.MimeType = doc.MimeType
		ev.FileSize = doc.FileSize
	case message.Text != "":
		ev.Kind = bus.KindText
		ev.Text = message.Text
	}

	return ev
}

// Send delivers a reply, splitting it to fit Telegram's message limit.
// Markdown formatting is attempted first with a plain-text fallback.
func (c *TelegramChannel) Send(ctx context.Context, reply *bus.OutboundReply) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram channel not running")
	}
	chatID, err := parseChatID(reply.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", reply.ChatID, err)
	}

	chunks := splitLargeMessage(reply.Text, telegramMaxMessageLen)
	for i, chunk := range chunks {
		content := chunk
		if len(chunks) > 1 {
			content = fmt.Sprintf("[%d/%d]\n%s", i+1, len(chunks), chunk)
		}

		msg := tu.Message(tu.ID(chatID), content)
		msg.ParseMode = telego.ModeMarkdown
		if _, err := c.bot.SendMessage(ctx, msg); err != nil {
			logger.DebugCF("telegram", "Markdown send failed, retrying as plain text", map[string]interface{}{
				"error": err.Error(),
			})
			msg.ParseMode = ""
			if _, err := c.bot.SendMessage(ctx, msg); err != nil {
				return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
			}
		}
	}
	return nil
}

// telegramFetcher downloads attachment bytes through the Bot API file endpoint.
type telegramFetcher struct {
	bot   *telego.Bot
	httpc *http.Client
}

func (f *telegramFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	file, err := f.bot.GetFile(ctx, &telego.GetFileParams{FileID: ref})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("file %s has no download path", ref)
	}

	url := f.bot.FileDownloadURL(file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// splitLargeMessage splits content into chunks of at most maxLen
// characters, preferring to break at a newline in the last third of a
// chunk. Platform message limits count characters, not bytes, so the
// split works on runes to never cut a multi-byte sequence in half.
func splitLargeMessage(content string, maxLen int) []string {
	runes := []rune(content)
	if len(runes) <= maxLen {
		return []string{content}
	}

	var chunks []string
	remaining := runes
	for len(remaining) > 0 {
		chunkSize := maxLen
		if len(remaining) < chunkSize {
			chunkSize = len(remaining)
		}
		if chunkSize == maxLen {
			lastNewline := -1
			for i := chunkSize - 1; i >= 0; i-- {
				if remaining[i] == '\n' {
					lastNewline = i
					break
				}
			}
			if lastNewline > maxLen*2/3 {
				chunkSize = lastNewline + 1
			}
		}
		chunks = append(chunks, string(remaining[:chunkSize]))
		remaining = remaining[chunkSize:]
	}
	return chunks
}
