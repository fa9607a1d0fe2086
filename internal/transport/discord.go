package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
)

// DiscordConfig carries the per-recipient webhook map for the discord
// transport, unmarshaled from TransportsConfig.Discord.
type DiscordConfig struct {
	Webhooks map[string]string `json:"webhooks"`
}

// DiscordTransport posts outbound-only notifications to a per-recipient
// Discord webhook URL (the recipient's identifier is the webhook's logical
// name, resolved against the configured webhook map). Adapted from the
// repository's standalone Discord bridge binary: that binary's bot-gateway
// relay is out of scope here (no inbound bridging), but the webhook-post
// mechanics carry over directly.
type DiscordTransport struct {
	mu       sync.RWMutex
	webhooks map[string]string
	client   *http.Client
	status   Status
}

func NewDiscordTransport() *DiscordTransport {
	return &DiscordTransport{
		client: &http.Client{Timeout: 30 * time.Second},
		status: Status{Name: NameDiscord, State: "uninitialized"},
	}
}

func (d *DiscordTransport) Name() string { return NameDiscord }

func (d *DiscordTransport) Initialize(_ context.Context, config json.RawMessage) error {
	var cfg DiscordConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("discord transport: invalid config: %w", err)
		}
	}
	d.mu.Lock()
	d.webhooks = cfg.Webhooks
	d.mu.Unlock()
	d.status = Status{Name: NameDiscord, State: "active"}
	return nil
}

// resolveWebhook treats env.Recipient as either a raw webhook URL (any value
// starting with "https://") or a logical name looked up in the configured map.
func (d *DiscordTransport) resolveWebhook(recipient string) (string, bool) {
	if len(recipient) > 8 && recipient[:8] == "https://" {
		return recipient, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	url, ok := d.webhooks[recipient]
	return url, ok
}

func (d *DiscordTransport) Send(ctx context.Context, env Envelope) error {
	if d.status.State != "active" {
		return apperror.TransportUnavailable(NameDiscord)
	}
	webhookURL, ok := d.resolveWebhook(env.Recipient)
	if !ok {
		return apperror.TransportPermanent(NameDiscord, fmt.Errorf("no webhook configured for recipient %q", env.Recipient))
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	content := fmt.Sprintf("New transfer %s with %d document(s) awaiting signature.", env.TransferID, len(env.Documents))
	if err := mw.WriteField("content", content); err != nil {
		return apperror.TransportTransient(NameDiscord, err)
	}
	for i, doc := range env.Documents {
		part, err := mw.CreateFormFile(fmt.Sprintf("files[%d]", i), doc.FileName)
		if err != nil {
			return apperror.TransportTransient(NameDiscord, err)
		}
		if _, err := part.Write(doc.Data); err != nil {
			return apperror.TransportTransient(NameDiscord, err)
		}
	}
	if err := mw.Close(); err != nil {
		return apperror.TransportTransient(NameDiscord, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, body)
	if err != nil {
		return apperror.TransportTransient(NameDiscord, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return apperror.TransportTransient(NameDiscord, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return apperror.TransportPermanent(NameDiscord, fmt.Errorf("discord webhook rejected with status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return apperror.TransportTransient(NameDiscord, fmt.Errorf("discord webhook returned status %d", resp.StatusCode))
	}
	return nil
}

// Receive is unsupported: no bot gateway connection is maintained.
func (d *DiscordTransport) Receive(_ context.Context, _ func(InboundEnvelope)) error {
	return ErrUnsupported
}

func (d *DiscordTransport) GetStatus() Status { return d.status }

func (d *DiscordTransport) Shutdown(_ context.Context) error {
	d.status = Status{Name: NameDiscord, State: "uninitialized"}
	return nil
}
