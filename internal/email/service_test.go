package email

import (
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newCapturingService(t *testing.T, config Config) (*Service, *[]sentMail) {
	t.Helper()
	svc := NewService(config)
	sent := []sentMail{}
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	svc.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return svc, &sent
}

var configured = Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com", FromName: "Dashboard", AppName: "Dashboard"}

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "test@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "test@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "test@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewService(tt.config).IsConfigured())
		})
	}
}

func TestUnconfiguredServiceRefusesToSend(t *testing.T) {
	svc, sent := newCapturingService(t, Config{})
	err := svc.SendVerificationEmail("a@example.com", "A", "https://x")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Empty(t, *sent)
}

func TestSendVerificationEmail(t *testing.T) {
	svc, sent := newCapturingService(t, configured)

	require.NoError(t, svc.SendVerificationEmail("new@example.com", "Test User", "https://app.example.com/verify?token=abc123"))
	require.Len(t, *sent, 1)

	mail := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", mail.addr)
	assert.Equal(t, "noreply@example.com", mail.from)
	assert.Equal(t, []string{"new@example.com"}, mail.to)
	assert.Contains(t, mail.msg, "Subject: Verify your Dashboard account\r\n")
	assert.Contains(t, mail.msg, "From: Dashboard <noreply@example.com>\r\n")
	assert.Contains(t, mail.msg, "multipart/alternative")
	assert.Contains(t, mail.msg, "Content-Type: text/plain")
	assert.Contains(t, mail.msg, "Welcome, Test User!")
	assert.Contains(t, mail.msg, "https://app.example.com/verify?token=abc123")
	assert.Contains(t, mail.msg, "24 hours")
}

func TestSendPasswordResetEmail(t *testing.T) {
	svc, sent := newCapturingService(t, configured)

	require.NoError(t, svc.SendPasswordResetEmail("user@example.com", "Test User", "https://app.example.com/reset?token=xyz789"))
	require.Len(t, *sent, 1)
	msg := (*sent)[0].msg
	assert.Contains(t, msg, "Reset your Dashboard password")
	assert.Contains(t, msg, "https://app.example.com/reset?token=xyz789")
	assert.Contains(t, msg, "1 hour")
}

func TestSendWorkspaceInviteEmail(t *testing.T) {
	svc, sent := newCapturingService(t, configured)

	require.NoError(t, svc.SendWorkspaceInviteEmail("guest@example.com", "Avery", "Acme <Ops>", "member", "https://app.example.com/invites/tok"))
	require.Len(t, *sent, 1)
	msg := (*sent)[0].msg
	assert.Contains(t, msg, "Acme &lt;Ops&gt;", "html part is escaped")
	assert.Contains(t, msg, "as member")
	assert.Contains(t, msg, "https://app.example.com/invites/tok")
}

func TestRenderTemplatesEscapeUserInput(t *testing.T) {
	html, err := render(verificationTemplate, VerificationData{AppName: "Dashboard", UserName: "<script>", VerificationURL: "https://x"})
	require.NoError(t, err)
	assert.False(t, strings.Contains(html, "<script>"))
	assert.Contains(t, html, "&lt;script&gt;")
}
