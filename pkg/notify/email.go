package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/stackwatch/stackwatch/pkg/config"
)

// sendMail is swapped out by tests.
var sendMail = sendMailCtx

// sendMailCtx is smtp.SendMail with the dial and the SMTP conversation
// bounded by the context deadline, so an attempt cannot outlive its
// per-attempt timeout.
func sendMailCtx(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		conn.Close()
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// EmailHandler delivers notifications over SMTP. Success means the MTA
// accepted the message, not that it reached an inbox.
type EmailHandler struct {
	cfg config.EmailConfig
}

// NewEmailHandler creates the email channel handler.
func NewEmailHandler(cfg config.EmailConfig) *EmailHandler {
	return &EmailHandler{cfg: cfg}
}

// Send delivers one notification to every recipient on the rule.
func (h *EmailHandler) Send(ctx context.Context, d *Delivery) error {
	if !h.cfg.Enabled {
		return fmt.Errorf("email channel disabled")
	}
	recipients := d.Rule.Emails
	if len(recipients) == 0 {
		return fmt.Errorf("%w: rule has no email recipients", ErrInvalidRecipient)
	}
	for _, r := range recipients {
		if !strings.Contains(r, "@") {
			return fmt.Errorf("%w: %q", ErrInvalidRecipient, r)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := h.compose(d, recipients)
	if err := sendMail(ctx, h.cfg.SMTPAddr, nil, h.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

func (h *EmailHandler) compose(d *Delivery, recipients []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", h.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", d.Subject())
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(d.Notification.Message)
	fmt.Fprintf(&b, "\r\n\r\nTransaction: %s\r\nBlock height: %d\r\n",
		d.Transaction.TxID, d.Block.Height)
	return []byte(b.String())
}
