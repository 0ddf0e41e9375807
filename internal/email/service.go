// Package email sends account and workspace emails via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppName  string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now    func() time.Time
}

// NewService creates a new email service
func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Dashboard"
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		now:    time.Now,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart email with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	msg := s.buildMessage(to, subject, textBody, htmlBody)
	if err := s.send(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (s *Service) buildMessage(to []string, subject, textBody, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
	}
	boundary := fmt.Sprintf("boundary-%d", s.now().UnixNano())

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

type InviteData struct {
	AppName       string
	InviterName   string
	WorkspaceName string
	Role          string
	AcceptURL     string
}

// SendVerificationEmail sends an email verification email
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	data := VerificationData{AppName: s.config.AppName, UserName: userName, VerificationURL: verificationURL}
	html, err := render(verificationTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	text := fmt.Sprintf("Welcome, %s!\n\nVerify your email address (link valid for 24 hours):\n%s\n", userName, verificationURL)
	return s.SendHTMLEmail([]string{to}, fmt.Sprintf("Verify your %s account", s.config.AppName), text, html)
}

// SendPasswordResetEmail sends a password reset email
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{AppName: s.config.AppName, UserName: userName, ResetURL: resetURL}
	html, err := render(passwordResetTemplate, data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	text := fmt.Sprintf("Hi %s,\n\nReset your password (link valid for 1 hour):\n%s\n", userName, resetURL)
	return s.SendHTMLEmail([]string{to}, fmt.Sprintf("Reset your %s password", s.config.AppName), text, html)
}

// SendWorkspaceInviteEmail invites someone without an account to a workspace.
func (s *Service) SendWorkspaceInviteEmail(to, inviterName, workspaceName, role, acceptURL string) error {
	data := InviteData{
		AppName:       s.config.AppName,
		InviterName:   inviterName,
		WorkspaceName: workspaceName,
		Role:          role,
		AcceptURL:     acceptURL,
	}
	html, err := render(inviteTemplate, data)
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	text := fmt.Sprintf("%s invited you to join %s as %s.\n\nAccept the invite (valid for 7 days):\n%s\n",
		inviterName, workspaceName, role, acceptURL)
	return s.SendHTMLEmail([]string{to}, fmt.Sprintf("%s invited you to %s", inviterName, workspaceName), text, html)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #111827; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #111827; color: white; text-decoration: none; border-radius: 6px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #2563eb; }`

var verificationTemplate = template.Must(template.New("verification").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Thank you for signing up. Please verify your email address to activate your account.</p>
    <p><a href="{{.VerificationURL}}" class="button">Verify Email Address</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>
    <p>This verification link will expire in 24 hours.</p>
    <div class="footer"><p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p></div>
</body>
</html>`))

var passwordResetTemplate = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>Password Reset Request</h2>
    <p>Hi {{.UserName}},</p>
    <p>We received a request to reset your password. Click the button below to choose a new one:</p>
    <p><a href="{{.ResetURL}}" class="button">Reset Password</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>
    <p><strong>Important:</strong> This reset link will expire in 1 hour.</p>
    <div class="footer"><p>If you didn't request a password reset, you can ignore this email. Your password will remain unchanged.</p></div>
</body>
</html>`))

var inviteTemplate = template.Must(template.New("invite").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Join {{.WorkspaceName}} on {{.AppName}}</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>You're invited to {{.WorkspaceName}}</h2>
    <p>{{.InviterName}} invited you to join <strong>{{.WorkspaceName}}</strong> as <strong>{{.Role}}</strong>.</p>
    <p><a href="{{.AcceptURL}}" class="button">Accept Invite</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.AcceptURL}}</p>
    <div class="footer"><p>This invite expires in 7 days. If you weren't expecting it, you can ignore this email.</p></div>
</body>
</html>`))
