package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"github.com/FirmaChain/firma-sign-sub001/internal/apperror"
)

// EmailConfig is the transport's opaque initialize() payload, unmarshaled
// from TransportsConfig.SMTP.
type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// EmailTransport sends outbound-only notifications over SMTP. SMTP protocol
// handling itself is out of scope (spec §1 excludes concrete transport
// wire protocols beyond their contract), so this adapter is intentionally
// thin: it builds one MIME message per envelope and hands it to
// net/smtp.SendMail (or, on port 465, to an explicit implicit-TLS client).
// There is no inbound polling.
type EmailTransport struct {
	cfg    EmailConfig
	status Status
}

func NewEmailTransport() *EmailTransport {
	return &EmailTransport{status: Status{Name: NameEmail, State: "uninitialized"}}
}

func (e *EmailTransport) Name() string { return NameEmail }

func (e *EmailTransport) Initialize(_ context.Context, config json.RawMessage) error {
	var cfg EmailConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("email transport: invalid config: %w", err)
		}
	}
	if cfg.Host == "" {
		return fmt.Errorf("email transport: smtp host is required")
	}
	e.cfg = cfg
	e.status = Status{Name: NameEmail, State: "active"}
	return nil
}

func (e *EmailTransport) Send(ctx context.Context, env Envelope) error {
	if e.status.State != "active" {
		return apperror.TransportUnavailable(NameEmail)
	}

	msg := buildMIMEMessage(e.cfg.From, env)

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	if e.cfg.Port == 465 {
		return e.sendTLS(addr, auth, env.Recipient, msg)
	}

	if err := smtp.SendMail(addr, auth, e.cfg.From, []string{env.Recipient}, msg); err != nil {
		return apperror.TransportTransient(NameEmail, err)
	}
	return nil
}

// sendTLS handles implicit-TLS SMTP submission (port 465), which
// net/smtp.SendMail cannot do directly since it expects STARTTLS semantics.
func (e *EmailTransport) sendTLS(addr string, auth smtp.Auth, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.cfg.Host})
	if err != nil {
		return apperror.TransportTransient(NameEmail, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return apperror.TransportTransient(NameEmail, err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return apperror.TransportPermanent(NameEmail, err)
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return apperror.TransportTransient(NameEmail, err)
	}
	if err := client.Rcpt(to); err != nil {
		return apperror.TransportTransient(NameEmail, err)
	}
	w, err := client.Data()
	if err != nil {
		return apperror.TransportTransient(NameEmail, err)
	}
	if _, err := w.Write(msg); err != nil {
		return apperror.TransportTransient(NameEmail, err)
	}
	return w.Close()
}

func buildMIMEMessage(from string, env Envelope) []byte {
	boundary := "firma-sign-boundary"
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", env.Recipient)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", "Documents for signature: "+env.TransferID))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&buf, "You have been sent %d document(s) for signature via Firma-Sign (transfer %s).\r\n",
		len(env.Documents), env.TransferID)

	for _, doc := range env.Documents {
		fmt.Fprintf(&buf, "\r\n--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: application/octet-stream; name=%q\r\n", doc.FileName)
		fmt.Fprintf(&buf, "Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n\r\n", doc.FileName)
		buf.WriteString(chunkBase64(doc.Data))
	}
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)
	return buf.Bytes()
}

func chunkBase64(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out strings.Builder
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		out.WriteString(encoded[i:end])
		out.WriteString("\r\n")
	}
	return out.String()
}

// Receive is unsupported: SMTP inbound polling is explicitly out of scope.
func (e *EmailTransport) Receive(_ context.Context, _ func(InboundEnvelope)) error {
	return ErrUnsupported
}

func (e *EmailTransport) GetStatus() Status { return e.status }

func (e *EmailTransport) Shutdown(_ context.Context) error {
	e.status = Status{Name: NameEmail, State: "uninitialized"}
	return nil
}
