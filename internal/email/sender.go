package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"ChargeMail/internal/config"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/metrics"
)

// Message is a fully rendered email ready for the wire.
type Message struct {
	To      []string
	CC      []string
	BCC     []string
	Subject string
	HTML    string
	Text    string
}

type SendResult struct {
	MessageID string
}

// dialer is the part of *gomail.Dialer the sender uses.
type dialer interface {
	Dial() (gomail.SendCloser, error)
	DialAndSend(m ...*gomail.Message) error
}

type Sender struct {
	cfg config.SMTP
	log *zap.Logger

	newDialer func(cfg config.SMTP) dialer

	mu     sync.Mutex
	dialer dialer
}

func NewSender(cfg config.SMTP, log *zap.Logger) *Sender {
	return &Sender{
		cfg:       cfg,
		log:       log.Named("smtp"),
		newDialer: newGomailDialer,
	}
}

func newGomailDialer(cfg config.SMTP) dialer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.SSL = cfg.Secure
	if !cfg.Secure {
		d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return d
}

// Host returns the configured SMTP host, used as a metrics label.
func (s *Sender) Host() string {
	return s.cfg.Host
}

// Configured reports whether Send can be attempted at all. The processor
// checks it before claiming so jobs are not charged attempts for a missing
// transport.
func (s *Sender) Configured() bool {
	return s.cfg.Configured()
}

// client builds the dialer on first use.
func (s *Sender) client() (dialer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dialer != nil {
		return s.dialer, nil
	}
	if !s.cfg.Configured() {
		return nil, errs.Mark(
			errs.New("smtp is not configured: SMTP_HOST, SMTP_PORT and SMTP_FROM are required"),
			errs.ErrConfiguration,
		)
	}

	s.log.Info("initializing smtp client",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port),
		zap.Bool("secure", s.cfg.Secure),
		zap.Bool("auth", s.cfg.User != ""),
	)
	s.dialer = s.newDialer(s.cfg)
	return s.dialer, nil
}

// Send delivers one message. Every transport failure is returned marked
// with errs.ErrTransport and carrying a classified, readable message.
func (s *Sender) Send(ctx context.Context, m Message) (SendResult, error) {
	d, err := s.client()
	if err != nil {
		return SendResult{}, err
	}
	if len(m.To) == 0 {
		return SendResult{}, errs.Mark(errs.New("message has no recipients"), errs.ErrValidation)
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.cfg.FromAddress, s.cfg.FromName)
	msg.SetHeader("To", m.To...)
	if len(m.CC) > 0 {
		msg.SetHeader("Cc", m.CC...)
	}
	if len(m.BCC) > 0 {
		msg.SetHeader("Bcc", m.BCC...)
	}
	msg.SetHeader("Subject", m.Subject)

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(s.cfg.FromAddress))
	msg.SetHeader("Message-ID", messageID)

	switch {
	case m.HTML != "" && m.Text != "":
		msg.SetBody("text/plain", m.Text)
		msg.AddAlternative("text/html", m.HTML)
	case m.HTML != "":
		msg.SetBody("text/html", m.HTML)
	default:
		msg.SetBody("text/plain", m.Text)
	}

	err = s.withTimeout(ctx, func() error {
		return d.DialAndSend(msg)
	})
	if err != nil {
		metrics.SMTPSendFailure.WithLabelValues(s.cfg.Host).Inc()
		return SendResult{}, classify(err, s.cfg)
	}

	metrics.SMTPSendSuccess.WithLabelValues(s.cfg.Host).Inc()
	s.log.Debug("message accepted by smtp server",
		zap.String("message_id", messageID),
		zap.Int("recipients", len(m.To)+len(m.CC)+len(m.BCC)),
	)
	return SendResult{MessageID: messageID}, nil
}

// VerifyConnection performs the SMTP handshake (and authentication when
// credentials are configured) without sending mail.
func (s *Sender) VerifyConnection(ctx context.Context) error {
	d, err := s.client()
	if err != nil {
		return err
	}

	err = s.withTimeout(ctx, func() error {
		sc, err := d.Dial()
		if err != nil {
			return err
		}
		return sc.Close()
	})
	if err != nil {
		return classify(err, s.cfg)
	}
	s.log.Info("smtp connection verified", zap.String("host", s.cfg.Host))
	return nil
}

// withTimeout bounds fn by ctx and the configured socket timeout. gomail
// has no context support, so an abandoned fn finishes in the background.
func (s *Sender) withTimeout(ctx context.Context, fn func() error) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify turns a raw transport error into a readable message, marked
// with errs.ErrTransport.
func classify(err error, cfg config.SMTP) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	msg := strings.ToLower(err.Error())

	var (
		netErr net.Error
		dnsErr *net.DNSError
		reason string
	)
	switch {
	case errors.As(err, &dnsErr) || strings.Contains(msg, "no such host"):
		reason = fmt.Sprintf("smtp host not found: %s", cfg.Host)
	case errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(msg, "connection refused"):
		reason = fmt.Sprintf("smtp connection refused by %s", addr)
	case errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		reason = fmt.Sprintf("smtp connection to %s timed out", addr)
	case strings.Contains(msg, "tls") || strings.Contains(msg, "x509") || strings.Contains(msg, "certificate"):
		reason = fmt.Sprintf("smtp tls handshake with %s failed", addr)
	case strings.Contains(msg, "535") || strings.Contains(msg, "auth"):
		reason = "smtp authentication failed: check SMTP_USER and SMTP_PASSWORD"
	default:
		reason = "smtp send failed"
	}

	return errs.Mark(errs.Wrap(err, reason), errs.ErrTransport)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
