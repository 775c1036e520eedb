// Package email sends send-message requests over SMTP.
package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"vaultline/internal/channel"
	"vaultline/internal/config"
	"vaultline/internal/domain"
)

const typeName = "email"

func init() {
	channel.RegisterType(typeName, func(name string, cfg config.Channel, _ string, env channel.Env) (channel.Channel, error) {
		c := SMTPConfig{Host: cfg.Host, Port: cfg.Port, Username: cfg.Username, From: cfg.From}
		if cfg.PasswordEnv != "" && env != nil {
			c.Password = env(cfg.PasswordEnv)
		}
		return New(name, c), nil
	})
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Channel sends one message per request. The payload carries "to" (string
// or list), "subject" and optionally "body"; the request body is used when
// the payload has none.
type Channel struct {
	name string
	cfg  SMTPConfig
	send SendFunc
}

func New(name string, cfg SMTPConfig) *Channel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Channel{name: name, cfg: cfg, send: smtp.SendMail}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Execute(ctx context.Context, r domain.ApprovalRequest) error {
	if c.cfg.Host == "" || c.cfg.From == "" {
		return channel.ErrNotConfigured
	}
	to := recipients(r.Payload["to"])
	if len(to) == 0 {
		return fmt.Errorf("email %s: payload has no recipient", r.ID)
	}
	subject, _ := r.Payload["subject"].(string)
	if subject == "" {
		subject = "Re: " + r.TaskID
	}
	body, _ := r.Payload["body"].(string)
	if body == "" {
		body = r.Body
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	// Lets a receiving system drop a duplicate delivery of the same request.
	fmt.Fprintf(&msg, "Message-ID: <%s@vaultline>\r\n", r.ID)
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if c.cfg.Password != "" {
		user := c.cfg.Username
		if user == "" {
			user = c.cfg.From
		}
		auth = smtp.PlainAuth("", user, c.cfg.Password, c.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	if err := c.send(addr, auth, c.cfg.From, to, []byte(msg.String())); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

func recipients(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, x := range t {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}
