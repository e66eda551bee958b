package channel

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// SMTP sends messages as plain-text email.
type SMTP struct {
	addr     string
	user     string
	password string
	from     string
}

func NewSMTP(addr, user, password, from string) *SMTP {
	return &SMTP{addr: addr, user: user, password: password, from: from}
}

func (s *SMTP) Send(ctx context.Context, target, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		host = s.addr
	}
	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.password, host)
	}
	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + target,
		"Subject: clawgate confirmation",
		"",
		message,
	}, "\r\n")
	if err := smtp.SendMail(s.addr, auth, s.from, []string{target}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
