package notify

import (
	"signal-trader/internal/logger"
	"signal-trader/internal/models"

	mail "github.com/go-mail/mail"
)

// Notifier delivers operator alerts. Delivery is best effort: a failed
// notification must never stall or fail the trading path.
type Notifier interface {
	Notify(subject, content string)
}

// MailNotifier sends alerts over SMTP.
type MailNotifier struct {
	dialer *mail.Dialer
	from   string
	to     string
}

// NewMailNotifier builds an SMTP notifier from config. Returns a no-op
// notifier when no host is configured.
func NewMailNotifier(cfg models.SMTPConfig) Notifier {
	if cfg.Host == "" {
		logger.S().Info("mail notifications disabled: no SMTP host configured")
		return NopNotifier{}
	}
	return &MailNotifier{
		dialer: mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		to:     cfg.To,
	}
}

// Notify sends the alert in the background. Failures are logged only.
func (n *MailNotifier) Notify(subject, content string) {
	go func() {
		m := mail.NewMessage()
		m.SetHeader("From", n.from)
		m.SetHeader("To", n.to)
		m.SetHeader("Subject", subject)
		m.SetBody("text/plain", content)
		if err := n.dialer.DialAndSend(m); err != nil {
			logger.S().Errorf("sending notification %q: %v", subject, err)
		}
	}()
}

// NopNotifier drops every notification. Used when mail is not configured
// and in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(subject, content string) {}
