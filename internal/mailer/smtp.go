package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig addresses the relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends through an SMTP relay with PLAIN auth when credentials
// are set.
type SMTPSender struct {
	addr     string
	auth     smtp.Auth
	sendMail sendMailFunc
	now      func() time.Time
}

// NewSMTPSender builds a sender for cfg.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	s := &SMTPSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s
}

// Send writes msg as a plain-text RFC 5322 message. Relay rejections with a
// 5xx code are permanent.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, s.auth, msg.From, []string{msg.To}, s.compose(msg))
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", s.addr, ctx.Err())
	case err := <-done:
		if err != nil {
			return &SendError{Addr: s.addr, Err: err}
		}
		return nil
	}
}

func (s *SMTPSender) compose(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// SendError wraps a relay failure.
type SendError struct {
	Addr string
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("smtp send to %s: %v", e.Addr, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Permanent reports whether the relay refused the message outright.
func (e *SendError) Permanent() bool {
	var tp *textproto.Error
	return errors.As(e.Err, &tp) && tp.Code >= 500
}
