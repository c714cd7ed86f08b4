// Команда loadtest гоняет сценарии оформления и оплаты через HTTP API магазина.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

type loadMode string

const (
	// modeCheckout: только оформление.
	modeCheckout loadMode = "checkout"
	// modeCheckoutReplay повторяет оформление с тем же Idempotency-Key.
	modeCheckoutReplay loadMode = "checkout-replay"
	// modeCheckoutPay добавляет подписанный Paid callback.
	modeCheckoutPay loadMode = "checkout-pay"
	// modeFullReplay повторяет и оформление, и callback.
	modeFullReplay loadMode = "checkout-pay-replay"

	envMerchantKey = "KEYSHOP_MERCHANT_KEY"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	rps         float64
	timeout     time.Duration
	mode        loadMode
	productID   string
	variantID   string
	quantity    int
	customerTag string
	merchantKey string
	outputPath  string
}

func (c config) pays() bool {
	return c.mode == modeCheckoutPay || c.mode == modeFullReplay
}

func parseMode(value string) (loadMode, error) {
	switch m := loadMode(strings.TrimSpace(value)); m {
	case modeCheckout, modeCheckoutReplay, modeCheckoutPay, modeFullReplay:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg       config
		modeValue string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "base URL of the shop HTTP API")
	fs.IntVar(&cfg.total, "total", 200, "scenarios to run; with -duration acts as an upper bound when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	fs.Float64Var(&cfg.rps, "rps", 0, "scenario start rate limit per second (0=unlimited)")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-replay | checkout-pay | checkout-pay-replay")
	fs.StringVar(&cfg.productID, "product", "", "catalog product id to buy")
	fs.StringVar(&cfg.variantID, "variant", "", "optional product variant id")
	fs.IntVar(&cfg.quantity, "quantity", 1, "units per order")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "local part prefix of generated buyer emails")
	fs.StringVar(&cfg.merchantKey, "merchant-key", "", "merchant key to sign callbacks (fallback: "+envMerchantKey+")")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.productID = strings.TrimSpace(cfg.productID)
	if cfg.merchantKey == "" {
		cfg.merchantKey = getenv(envMerchantKey)
	}

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
	case cfg.productID == "":
		return cfg, errors.New("product is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.rps < 0:
		return cfg, errors.New("rps must be >= 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case strings.TrimSpace(cfg.customerTag) == "":
		return cfg, errors.New("customer-tag is required")
	case cfg.pays() && cfg.merchantKey == "":
		return cfg, fmt.Errorf("mode %s signs callbacks: -merchant-key or %s is required", cfg.mode, envMerchantKey)
	}
	return cfg, nil
}

// dispatchJobs выдаёт номера сценариев до исчерпания total или duration.
func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var limiter *rate.Limiter
	if cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), 1)
	}
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	for i := 0; ; i++ {
		if (cfg.duration <= 0 || cfg.totalSet) && i >= cfg.total {
			return
		}
		if limiter != nil && limiter.Wait(ctx) != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- i:
		}
	}
}

func execute(ctx context.Context, cfg config, client *http.Client) report {
	startedAt := time.Now()
	r := &runner{
		cfg:    cfg,
		client: client,
		col:    newCollector(),
		runID:  fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid()),
	}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				_ = r.runScenario(ctx, index)
			}
		}()
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()
	return r.col.buildReport(startedAt, time.Since(startedAt))
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Transport: &http.Transport{
		MaxIdleConns:        cfg.concurrency,
		MaxIdleConnsPerHost: cfg.concurrency,
		IdleConnTimeout:     30 * time.Second,
	}}

	result := execute(ctx, cfg, client)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			stop()
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		stop()
		os.Exit(1)
	}
}
