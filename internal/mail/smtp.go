// smtp.go
//
// Mailer interface and SMTPMailer implementation.
// Tokens passed in are raw; only their hashes ever reach the database.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Alert kinds accepted by SendSecurityAlert.
const (
	AlertAccountLocked   = "account_locked"
	AlertPasswordChanged = "password_changed"
	AlertSessionsRevoked = "sessions_revoked"
)

// Mailer sends transactional emails.
// vars maps %%key%% placeholders to values; unresolved placeholders are stripped.
// Reserved keys (url, toEmail, expiresIn) belong to the mailer and cannot be overridden.
type Mailer interface {
	// SendEmailVerification sends a link carrying a single-use verification token.
	SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error

	// SendPasswordReset sends a link carrying a single-use reset token.
	SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error

	// SendSecurityAlert notifies the account owner of a security event (lockout,
	// password change, global logout). kind is one of the Alert* constants.
	SendSecurityAlert(ctx context.Context, toEmail, kind string, vars map[string]string) error
}

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host          string
	Port          string
	Username      string
	Password      string
	FromAddress   string
	ResetURLBase  string
	VerifyURLBase string
}

// SMTPMailer sends transactional email via SMTP (SES, Mailgun, Mailpit, ...).
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer with the given config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// NopMailer discards all outbound email. Used when SMTP is not configured.
type NopMailer struct{}

func (NopMailer) SendEmailVerification(context.Context, string, string, time.Duration, map[string]string) error {
	return nil
}

func (NopMailer) SendPasswordReset(context.Context, string, string, time.Duration, map[string]string) error {
	return nil
}

func (NopMailer) SendSecurityAlert(context.Context, string, string, map[string]string) error {
	return nil
}

// reservedVars holds placeholder keys owned by the mailer.
var reservedVars = map[string]bool{
	"url":       true,
	"toEmail":   true,
	"expiresIn": true,
}

// unresolvedPlaceholder matches any %%word%% placeholder left after substitution.
var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars substitutes %%key%% placeholders in tmpl, then strips the leftovers.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// mergeVars copies caller vars minus reserved keys and lays owned on top.
func mergeVars(vars, owned map[string]string) map[string]string {
	merged := make(map[string]string, len(vars)+len(owned))
	for k, v := range vars {
		if !reservedVars[k] {
			merged[k] = v
		}
	}
	for k, v := range owned {
		merged[k] = v
	}
	return merged
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 48*time.Hour → "2 days", 30*time.Minute → "30 minutes".
func formatDuration(d time.Duration) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d >= 24*time.Hour:
		return plural(int(d.Hours()/24), "day")
	case d >= time.Hour:
		return plural(int(d.Hours()), "hour")
	default:
		return plural(int(d.Minutes()), "minute")
	}
}

// tokenURL appends the escaped raw token to base.
func tokenURL(base, token string) string {
	return base + "?token=" + url.QueryEscape(token)
}

// compose builds a plain-text RFC 5322 message and resolves placeholders.
func (m *SMTPMailer) compose(toEmail, subject, body string, vars map[string]string) string {
	msg := "From: " + m.cfg.FromAddress + "\r\n" +
		"To: " + toEmail + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body
	return applyVars(msg, vars)
}

// sendMail dials the SMTP server, enforces STARTTLS (rejects plaintext sessions),
// authenticates, and delivers msg. The connection respects ctx cancellation.
func (m *SMTPMailer) sendMail(ctx context.Context, toEmail, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(m.cfg.Host, m.cfg.Port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}
	if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(toEmail); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}

// SendEmailVerification emails a verification link to toEmail.
func (m *SMTPMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	merged := mergeVars(vars, map[string]string{
		"toEmail":   toEmail,
		"expiresIn": formatDuration(expiresIn),
		"url":       tokenURL(m.cfg.VerifyURLBase, token),
	})
	body := "Please confirm your email address.\n\n" +
		"%%url%%\n\n" +
		"This link expires in %%expiresIn%% and works once. If you did not create an account, ignore this email."

	if err := m.sendMail(ctx, toEmail, m.compose(toEmail, "Confirm your email address", body, merged)); err != nil {
		return fmt.Errorf("sending email verification: %w", err)
	}
	return nil
}

// SendPasswordReset emails a password reset link to toEmail.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	merged := mergeVars(vars, map[string]string{
		"toEmail":   toEmail,
		"expiresIn": formatDuration(expiresIn),
		"url":       tokenURL(m.cfg.ResetURLBase, token),
	})
	body := "You requested a password reset.\n\n" +
		"Choose a new password here:\n\n" +
		"%%url%%\n\n" +
		"This link expires in %%expiresIn%%. Resetting signs out every device. If you did not request a reset, ignore this email."

	if err := m.sendMail(ctx, toEmail, m.compose(toEmail, "Reset your password", body, merged)); err != nil {
		return fmt.Errorf("sending password reset email: %w", err)
	}
	return nil
}

// alertTemplate returns subject and body for an alert kind.
func alertTemplate(kind string) (subject, body string, err error) {
	switch kind {
	case AlertAccountLocked:
		return "Sign-in temporarily blocked",
			"We blocked sign-in to %%toEmail%% after repeated failed attempts and signed out every device.\n\n" +
				"Try again in a little while. If this wasn't you, reset your password.", nil
	case AlertPasswordChanged:
		return "Your password was changed",
			"The password for %%toEmail%% was changed and all other sessions were signed out.\n\n" +
				"If this wasn't you, reset your password immediately.", nil
	case AlertSessionsRevoked:
		return "You were signed out everywhere",
			"Every session for %%toEmail%% was signed out. Sign in again to continue.", nil
	default:
		return "", "", fmt.Errorf("unknown alert kind %q", kind)
	}
}

// SendSecurityAlert emails a short notice about a security event on the account.
func (m *SMTPMailer) SendSecurityAlert(ctx context.Context, toEmail, kind string, vars map[string]string) error {
	subject, body, err := alertTemplate(kind)
	if err != nil {
		return err
	}
	merged := mergeVars(vars, map[string]string{"toEmail": toEmail})
	if err := m.sendMail(ctx, toEmail, m.compose(toEmail, subject, body, merged)); err != nil {
		return fmt.Errorf("sending %s alert: %w", kind, err)
	}
	return nil
}
