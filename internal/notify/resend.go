package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"

	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/security"
)

// EmailSender はResend SDKのメール送信部分。resend.Client.Emails が満たす。
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendDispatcher はResendでメールを送信するDispatcher。
type ResendDispatcher struct {
	sender    EmailSender
	from      string
	product   string
	sanitizer security.Sanitizer
	logger    *slog.Logger
}

// NewResendDispatcher はResendDispatcherを生成する。
// productは件名と本文に使うサービス名。
func NewResendDispatcher(sender EmailSender, from, product string, sanitizer security.Sanitizer, log *slog.Logger) *ResendDispatcher {
	if product == "" {
		product = "BotSpot"
	}
	if sanitizer == nil {
		sanitizer = security.NewSanitizer()
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResendDispatcher{
		sender:    sender,
		from:      from,
		product:   product,
		sanitizer: sanitizer,
		logger:    log,
	}
}

// SendWelcome は登録完了メールを送信する。
func (d *ResendDispatcher) SendWelcome(ctx context.Context, email string) Result {
	subject := fmt.Sprintf("Welcome to %s 🎉", d.product)
	html := fmt.Sprintf("<p>Hi %s, welcome to %s! Your account is ready.</p>",
		d.sanitizer.Text(email), d.product)
	return d.send(ctx, "welcome", email, subject, html)
}

// SendVerification は確認リンク付きのメールを送信する。
func (d *ResendDispatcher) SendVerification(ctx context.Context, email, username, verifyURL string) Result {
	link := d.sanitizer.URL(verifyURL)
	if link == "" {
		return Result{Err: errors.New("verification link is not an http(s) URL")}
	}
	subject := fmt.Sprintf("Verify your %s account", d.product)
	html := fmt.Sprintf(`<p>Hi %s,</p><p>Please verify your email by clicking the link below:</p><p><a href="%s">Verify Email</a></p>`,
		d.sanitizer.Text(username), link)
	return d.send(ctx, "verification", email, subject, html)
}

// SendResend は確認メール再送依頼への案内メールを送信する。
// アカウントの有無にかかわらず同じ内容を送る。
func (d *ResendDispatcher) SendResend(ctx context.Context, email string) Result {
	subject := fmt.Sprintf("Verify your %s email", d.product)
	html := fmt.Sprintf("<p>Hi %s, if your account requires verification, please check your inbox for the confirmation link. If you didn't request this, ignore this email.</p>",
		d.sanitizer.Text(email))
	return d.send(ctx, "resend", email, subject, html)
}

func (d *ResendDispatcher) send(ctx context.Context, kind, to, subject, html string) Result {
	_, err := d.sender.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    d.from,
		To:      []string{to},
		Subject: subject,
		Html:    html,
	})
	if err != nil {
		d.logger.Warn("email dispatch failed",
			slog.String("kind", kind),
			slog.String("email_domain", logger.EmailDomain(to)),
			slog.String("error", err.Error()),
		)
		return Result{Err: fmt.Errorf("send %s email: %w", kind, err)}
	}

	d.logger.Info("email dispatched",
		slog.String("kind", kind),
		slog.String("email_domain", logger.EmailDomain(to)),
	)
	return Result{Sent: true}
}
