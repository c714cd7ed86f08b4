// Команда keyshop-import загружает ключи в пул склада: один ключ на строку.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/storage/postgres"
)

const (
	envPostgresDSN   = "KEYSHOP_POSTGRES_DSN"
	defaultBatchSize = 1000
	defaultTimeout   = 5 * time.Minute
	maxKeyLength     = 4096
)

type options struct {
	dsn       string
	productID string
	sku       string
	file      string
	batchSize int
}

func (o options) scope() domain.KeyScope {
	return domain.KeyScope{ProductID: o.productID, SKU: o.sku}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("keyshop-import", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	fs.StringVar(&opts.productID, "product", "", "product id the keys belong to")
	fs.StringVar(&opts.sku, "sku", "", "variant sku; empty for products without variants")
	fs.StringVar(&opts.file, "file", "-", "file with one key per line, - for stdin")
	fs.IntVar(&opts.batchSize, "batch", defaultBatchSize, "keys per import transaction")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(getenv(envPostgresDSN))
	}
	opts.productID = strings.TrimSpace(opts.productID)
	opts.sku = strings.TrimSpace(opts.sku)

	switch {
	case opts.dsn == "":
		return opts, fmt.Errorf("%s (or -dsn) is required", envPostgresDSN)
	case opts.productID == "":
		return opts, errors.New("product is required")
	case opts.batchSize <= 0:
		return opts, errors.New("batch must be > 0")
	}
	return opts, nil
}

// readKeys читает ключи построчно. Пустые строки и строки с # пропускаются.
func readKeys(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxKeyLength+1)

	var keys []string
	line := 0
	for scanner.Scan() {
		line++
		value := strings.TrimSpace(scanner.Text())
		if value == "" || strings.HasPrefix(value, "#") {
			continue
		}
		if len(value) > maxKeyLength {
			return nil, fmt.Errorf("line %d: key longer than %d bytes", line, maxKeyLength)
		}
		keys = append(keys, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	return keys, nil
}

type importResult struct {
	read      int
	imported  int
	available int
}

// importKeys добавляет ключи пачками; дубликаты отбрасывает репозиторий.
func importKeys(ctx context.Context, repo domain.KeyRepository, scope domain.KeyScope, keys []string, batchSize int) (importResult, error) {
	res := importResult{read: len(keys)}
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		n, err := repo.Import(ctx, scope, keys[start:end])
		if err != nil {
			return res, fmt.Errorf("import keys %d-%d: %w", start+1, end, err)
		}
		res.imported += n
	}

	available, err := repo.CountAvailable(ctx, scope)
	if err != nil {
		return res, fmt.Errorf("count available keys: %w", err)
	}
	res.available = available
	return res, nil
}

var openKeyRepository = func(ctx context.Context, dsn string) (domain.KeyRepository, func() error, error) {
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres store: %w", err)
	}
	return postgres.NewKeyRepository(store), store.Close, nil
}

func run(ctx context.Context, args []string, getenv func(string) string, stdin io.Reader, logger *log.Entry) (importResult, error) {
	opts, err := parseOptions(args, getenv)
	if err != nil {
		return importResult{}, err
	}

	in := stdin
	if opts.file != "-" {
		f, err := os.Open(opts.file)
		if err != nil {
			return importResult{}, fmt.Errorf("open keys file: %w", err)
		}
		defer f.Close()
		in = f
	}
	keys, err := readKeys(in)
	if err != nil {
		return importResult{}, err
	}
	if len(keys) == 0 {
		return importResult{}, errors.New("no keys to import")
	}

	repo, closeFn, err := openKeyRepository(ctx, opts.dsn)
	if err != nil {
		return importResult{}, err
	}
	defer func() { _ = closeFn() }()

	res, err := importKeys(ctx, repo, opts.scope(), keys, opts.batchSize)
	if err != nil {
		return res, err
	}

	logger.WithFields(log.Fields{
		"product_id": opts.productID,
		"sku":        opts.sku,
		"read":       res.read,
		"imported":   res.imported,
		"duplicates": res.read - res.imported,
		"available":  res.available,
	}).Info("keys imported")
	return res, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField("component", "keyshop-import")

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if _, err := run(ctx, os.Args[1:], os.Getenv, os.Stdin, logger); err != nil {
		logger.WithError(err).Error("import failed")
		cancel()
		os.Exit(1)
	}
}
