package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
)

// TelegramConfig carries the Bot API token for the telegram transport.
type TelegramConfig struct {
	BotToken string `json:"botToken"`
}

// telegramUpdate and telegramMessage mirror the subset of the Telegram Bot
// API's getUpdates response this transport consumes.
type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message,omitempty"`
}

type telegramMessage struct {
	MessageID int64        `json:"message_id"`
	From      *telegramUser `json:"from,omitempty"`
	Chat      telegramChat `json:"chat"`
	Text      string       `json:"text,omitempty"`
	Caption   string       `json:"caption,omitempty"`
	Document  *telegramDoc `json:"document,omitempty"`
}

type telegramUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

type telegramChat struct {
	ID int64 `json:"id"`
}

type telegramDoc struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// TelegramTransport relays envelopes through the Telegram Bot API's
// sendDocument/sendMessage calls and receives inbound updates via the same
// long-poll loop used by the repository's standalone Telegram bridge
// binary, translated to produce InboundEnvelope values instead of chat
// messages.
type TelegramTransport struct {
	token  string
	client *http.Client
	logger *slog.Logger
	status Status

	lastUpdateID int64
	stop         chan struct{}
	polling      atomic.Bool

	mu       sync.Mutex
	callback func(InboundEnvelope)
}

func NewTelegramTransport(logger *slog.Logger) *TelegramTransport {
	return &TelegramTransport{
		client: &http.Client{Timeout: 40 * time.Second},
		logger: logger,
		status: Status{Name: NameTelegram, State: "uninitialized"},
	}
}

func (t *TelegramTransport) Name() string { return NameTelegram }

func (t *TelegramTransport) Initialize(_ context.Context, config json.RawMessage) error {
	var cfg TelegramConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("telegram transport: invalid config: %w", err)
		}
	}
	if cfg.BotToken == "" {
		return fmt.Errorf("telegram transport: bot token is required")
	}
	t.token = cfg.BotToken
	t.status = Status{Name: NameTelegram, State: "active"}
	return nil
}

func (t *TelegramTransport) apiURL(method string) string {
	return fmt.Sprintf("https://api.telegram.org/bot%s/%s", t.token, method)
}

func (t *TelegramTransport) Send(ctx context.Context, env Envelope) error {
	if t.status.State != "active" {
		return apperror.TransportUnavailable(NameTelegram)
	}

	caption := fmt.Sprintf("Transfer %s: %d document(s) for signature.", env.TransferID, len(env.Documents))
	if len(env.Documents) == 0 {
		return t.sendMessage(ctx, env.Recipient, caption)
	}
	for _, doc := range env.Documents {
		if err := t.sendDocument(ctx, env.Recipient, doc, caption); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramTransport) sendMessage(ctx context.Context, chatID, text string) error {
	payload, _ := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return apperror.TransportTransient(NameTelegram, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req)
}

func (t *TelegramTransport) sendDocument(ctx context.Context, chatID string, doc EnvelopeDoc, caption string) error {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	mw.WriteField("chat_id", chatID)
	mw.WriteField("caption", caption)
	part, err := mw.CreateFormFile("document", doc.FileName)
	if err != nil {
		return apperror.TransportTransient(NameTelegram, err)
	}
	if _, err := part.Write(doc.Data); err != nil {
		return apperror.TransportTransient(NameTelegram, err)
	}
	if err := mw.Close(); err != nil {
		return apperror.TransportTransient(NameTelegram, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL("sendDocument"), body)
	if err != nil {
		return apperror.TransportTransient(NameTelegram, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return t.do(req)
}

func (t *TelegramTransport) do(req *http.Request) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return apperror.TransportTransient(NameTelegram, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperror.TransportPermanent(NameTelegram, fmt.Errorf("telegram bot API rejected request with status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return apperror.TransportTransient(NameTelegram, fmt.Errorf("telegram bot API returned status %d", resp.StatusCode))
	}
	return nil
}

// Receive starts the long-poll loop and invokes callback for every inbound
// document/text message. It returns immediately; polling runs in its own
// goroutine until Shutdown is called.
func (t *TelegramTransport) Receive(ctx context.Context, callback func(InboundEnvelope)) error {
	t.mu.Lock()
	t.callback = callback
	t.mu.Unlock()

	if t.polling.CompareAndSwap(false, true) {
		t.stop = make(chan struct{})
		go t.pollLoop(ctx)
	}
	return nil
}

func (t *TelegramTransport) pollLoop(ctx context.Context) {
	defer t.polling.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		default:
		}

		updates, err := t.getUpdates(ctx)
		if err != nil {
			t.logger.Warn("telegram poll failed", slog.String("error", err.Error()))
			time.Sleep(5 * time.Second)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= t.lastUpdateID {
				t.lastUpdateID = u.UpdateID + 1
			}
			t.dispatchUpdate(u)
		}
	}
}

func (t *TelegramTransport) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	pollCtx, cancel := context.WithTimeout(ctx, 35*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s?offset=%d&timeout=30", t.apiURL("getUpdates"), t.lastUpdateID)
	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling telegram: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding telegram response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}
	return result.Result, nil
}

func (t *TelegramTransport) dispatchUpdate(u telegramUpdate) {
	if u.Message == nil || (u.Message.From != nil && u.Message.From.IsBot) {
		return
	}

	t.mu.Lock()
	cb := t.callback
	t.mu.Unlock()
	if cb == nil {
		return
	}

	identifier := fmt.Sprintf("%d", u.Message.Chat.ID)
	content := u.Message.Text
	if content == "" {
		content = u.Message.Caption
	}

	cb(InboundEnvelope{
		FromIdentifier: identifier,
		Envelope: Envelope{
			Recipient: identifier,
			Metadata:  mustJSON(map[string]string{"text": content}),
		},
	})
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (t *TelegramTransport) GetStatus() Status { return t.status }

func (t *TelegramTransport) Shutdown(_ context.Context) error {
	if t.polling.Load() && t.stop != nil {
		close(t.stop)
	}
	t.status = Status{Name: NameTelegram, State: "uninitialized"}
	return nil
}
