package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Encryption    string // "ssl_tls", "starttls" or empty for none
	SenderAddress string
}

type mailDialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPEmail sends email over SMTP. A client is dialed per message so
// concurrent sends never share a connection.
type SMTPEmail struct {
	cfg    SMTPConfig
	dialer func() (mailDialer, error)
}

var _ Sender = (*SMTPEmail)(nil)

func NewSMTPEmail(cfg SMTPConfig) *SMTPEmail {
	s := &SMTPEmail{cfg: cfg}
	s.dialer = s.newClient
	return s
}

func (s *SMTPEmail) Channel() model.Channel { return model.ChannelEmail }

func (s *SMTPEmail) Send(ctx context.Context, msg model.Message, c content.Content) Result {
	if c.Subject == "" || (c.HTMLBody == "" && c.Text == "") {
		return Failed(Permanent, ErrEmptyContent)
	}

	m := mail.NewMsg()
	if err := m.From(s.cfg.SenderAddress); err != nil {
		return Failed(Permanent, fmt.Errorf("invalid sender address: %w", err))
	}
	if err := m.To(msg.Recipient); err != nil {
		return Failed(Permanent, fmt.Errorf("%w %q: %v", ErrInvalidRecipient, msg.Recipient, err))
	}
	m.Subject(c.Subject)
	m.SetMessageID()

	switch {
	case c.Text != "" && c.HTMLBody != "":
		m.SetBodyString(mail.TypeTextPlain, c.Text)
		m.AddAlternativeString(mail.TypeTextHTML, c.HTMLBody)
	case c.HTMLBody != "":
		m.SetBodyString(mail.TypeTextHTML, c.HTMLBody)
	default:
		m.SetBodyString(mail.TypeTextPlain, c.Text)
	}

	client, err := s.dialer()
	if err != nil {
		return Failed(Permanent, fmt.Errorf("failed to create mail client: %w", err))
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return Failed(classifySMTP(err), fmt.Errorf("smtp send: %w", err))
	}
	return Delivered(m.GetMessageID())
}

func (s *SMTPEmail) newClient() (mailDialer, error) {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(s.cfg.Encryption)),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return mail.NewClient(s.cfg.Host, opts...)
}

// classifySMTP treats SMTP replies flagged temporary (4xx) and failures to
// reach the server as transient. Other server replies are permanent.
func classifySMTP(err error) ErrorKind {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return Transient
		}
		return Permanent
	}
	return Transient
}

func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
