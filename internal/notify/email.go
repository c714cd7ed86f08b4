// Package notify доставляет покупателю ключи и сообщает операторам о проблемах.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
)

const defaultSendTimeout = 15 * time.Second

// SMTPConfig: параметры почтового сервера.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS требует шифрования: сервер без STARTTLS даёт ошибку отправки.
	StartTLS bool
	Timeout  time.Duration
}

// EmailNotifier отправляет письмо с ключами через SMTP.
type EmailNotifier struct {
	cfg    SMTPConfig
	logger *log.Entry
}

// NewEmailNotifier создаёт SMTP-уведомитель.
func NewEmailNotifier(cfg SMTPConfig, logger *log.Entry) *EmailNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = log.WithField("component", "email-notifier")
	}
	return &EmailNotifier{cfg: cfg, logger: logger}
}

// SendKeys отправляет письмо; весь SMTP-диалог ограничен таймаутом и ctx.
func (n *EmailNotifier) SendKeys(ctx context.Context, d domain.KeyDelivery) error {
	if strings.TrimSpace(d.Email) == "" {
		return fmt.Errorf("%w: %w", domain.ErrNotificationFailed, domain.ErrEmailRequired)
	}

	msg, err := n.buildMessage(d)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNotificationFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	if err := n.send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNotificationFailed, err)
	}

	n.logger.WithFields(log.Fields{
		"order_id": d.OrderID,
		"keys":     len(d.Keys),
	}).Info("keys email sent")
	return nil
}

func (n *EmailNotifier) send(ctx context.Context, msg *mail.Msg) error {
	policy := mail.NoTLS
	if n.cfg.StartTLS {
		policy = mail.TLSMandatory
	}
	opts := []mail.Option{
		mail.WithPort(n.cfg.Port),
		mail.WithTimeout(n.cfg.Timeout),
		mail.WithTLSPolicy(policy),
	}
	if n.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password),
		)
	}

	client, err := mail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

var subjects = map[string]string{
	"ru": "Ваши ключи по заказу %s",
	"en": "Your keys for order %s",
}

var bodyTemplates = map[string]*template.Template{
	"ru": mustBodyTemplate("ru", `Здравствуйте{{if .Name}}, {{.Name}}{{end}}!

Спасибо за покупку. Ключи по заказу {{.OrderID}}:
{{range $i, $k := .Keys}}
{{inc $i}}. {{$k.Value}}{{if $k.SKU}} ({{$k.SKU}}){{end}}{{end}}

Сохраните это письмо.
`),
	"en": mustBodyTemplate("en", `Hello{{if .Name}}, {{.Name}}{{end}}!

Thank you for your purchase. Keys for order {{.OrderID}}:
{{range $i, $k := .Keys}}
{{inc $i}}. {{$k.Value}}{{if $k.SKU}} ({{$k.SKU}}){{end}}{{end}}

Please keep this email.
`),
}

func mustBodyTemplate(name, text string) *template.Template {
	funcs := template.FuncMap{"inc": func(i int) int { return i + 1 }}
	return template.Must(template.New(name).Funcs(funcs).Parse(text))
}

func languageOf(d domain.KeyDelivery) string {
	lang := strings.ToLower(strings.TrimSpace(d.Language))
	if len(lang) > 2 {
		lang = lang[:2]
	}
	if _, ok := bodyTemplates[lang]; ok {
		return lang
	}
	return "en"
}

func (n *EmailNotifier) buildMessage(d domain.KeyDelivery) (*mail.Msg, error) {
	lang := languageOf(d)

	var body bytes.Buffer
	if err := bodyTemplates[lang].Execute(&body, d); err != nil {
		return nil, fmt.Errorf("render email body: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(n.cfg.From); err != nil {
		return nil, fmt.Errorf("sender address: %w", err)
	}
	if err := msg.To(d.Email); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	msg.Subject(fmt.Sprintf(subjects[lang], d.OrderID))
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, body.String())
	return msg, nil
}

var _ domain.Notifier = (*EmailNotifier)(nil)
