package app

import (
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vladislavdragonenkov/keyshop/internal/clients/keyprovider"
	"github.com/vladislavdragonenkov/keyshop/internal/clients/paygate"
	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/keyshop/internal/health"
	"github.com/vladislavdragonenkov/keyshop/internal/notify"
)

// integrations: внешние системы, выбранные по конфигурации.
type integrations struct {
	gateway  domain.PaymentGateway
	verifier *paygate.Verifier
	// provider nil означает, что докупка ключей отключена.
	provider domain.KeyProvider
	notifier domain.Notifier
	alerter  domain.OperatorAlerter

	// providerState: health-проверка breaker-а; nil для заглушки.
	providerState healthcheck.Checker
}

// tracedHTTPClient: общий клиент исходящих вызовов с трассировкой.
func tracedHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// buildIntegrations создаёт клиентов шлюза, поставщика, почты и алертов.
// Заглушки шлюза и поставщика допускаются только с AllowMockIntegrations.
func buildIntegrations(cfg Config, logger *log.Entry) integrations {
	httpClient := tracedHTTPClient()
	out := integrations{verifier: paygate.NewVerifier(cfg.MerchantKey)}

	if cfg.GatewayBaseURL == "" && cfg.AllowMockIntegrations {
		logger.Warn("payment gateway url is empty, using mock gateway")
		out.gateway = paygate.NewMockGateway()
	} else {
		out.gateway = paygate.New(paygate.Config{
			BaseURL:          cfg.GatewayBaseURL,
			MerchantKey:      cfg.MerchantKey,
			DescriptionLimit: cfg.DescriptionLimit,
		}, httpClient, logger.WithField("component", "payment-gateway"))
	}

	switch {
	case cfg.KeyProviderBaseURL != "":
		client := keyprovider.New(keyprovider.Config{
			BaseURL: cfg.KeyProviderBaseURL,
			APIKey:  cfg.KeyProviderAPIKey,
			Timeout: cfg.KeyProviderTimeout,
		}, httpClient, logger.WithField("component", "key-provider"))
		out.provider = client
		out.providerState = healthcheck.StateChecker(func() string {
			if state := client.State(); state != gobreaker.StateClosed {
				return "circuit breaker " + state.String()
			}
			return ""
		})
	case cfg.AllowMockIntegrations:
		logger.Warn("key provider url is empty, using mock provider")
		out.provider = keyprovider.NewMockProvider()
	default:
		logger.Warn("key provider is not configured, external keys are disabled")
	}

	if cfg.SMTPHost != "" {
		out.notifier = notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			StartTLS: cfg.SMTPStartTLS,
			Timeout:  cfg.NotifyTimeout,
		}, logger.WithField("component", "email-notifier"))
	} else {
		logger.Warn("smtp is not configured, key deliveries are only logged")
		out.notifier = notify.NewLogNotifier(logger.WithField("component", "log-notifier"))
	}

	alerters := notify.MultiAlerter{notify.NewLogAlerter(logger.WithField("component", "operator-alert"))}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		alerters = append(alerters, notify.NewTelegramAlerter(notify.TelegramConfig{
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
		}, httpClient))
	}
	out.alerter = alerters

	return out
}
