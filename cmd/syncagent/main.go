package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/stockbridge/internal/client/connectivity"
	"github.com/erauner12/stockbridge/internal/client/engine"
	"github.com/erauner12/stockbridge/internal/client/localstore"
	"github.com/erauner12/stockbridge/internal/client/retry"
	"github.com/erauner12/stockbridge/internal/client/transport"
	"github.com/erauner12/stockbridge/internal/config"
	"github.com/erauner12/stockbridge/internal/inventory"
	"github.com/erauner12/stockbridge/internal/syncproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

const usage = `usage: syncagent [flags] <command> [command flags]

commands:
  product-create  record a new product locally
  product-update  change fields of a local product
  product-delete  delete a local product
  movement        record a stock entry or exit
  products        list local products
  status          show outbox counts and the last sync
  sync            run one sync round and exit
  run             keep syncing until interrupted
`

var (
	envFile  = flag.String("env-file", "", "Optional .env file loaded before the environment")
	debug    = flag.Bool("debug", false, "Enable debug logging")
	tenantID = flag.String("tenant", "", "Tenant id (overrides STOCKBRIDGE_TENANT_ID)")
)

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, cfg, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Error().Err(err).Str("command", flag.Arg(0)).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides before validation
func loadConfig() (*config.Client, error) {
	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.LoadClient(files...)
	if err != nil {
		return nil, err
	}
	if *tenantID != "" {
		cfg.TenantID = *tenantID
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func setupLogging() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Str("service", "syncagent").Logger()
}

func openStore(cfg *config.Client) (*localstore.Store, error) {
	return localstore.Open(cfg.DBPath, localstore.WithPolicy(retry.Policy{
		BaseDelay:  cfg.BackoffBase,
		MaxDelay:   cfg.BackoffMax,
		MaxRetries: cfg.MaxRetries,
	}))
}

func dispatch(ctx context.Context, cfg *config.Client, cmd string, args []string) (err error) {
	local, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, local.Close())
	}()

	switch cmd {
	case "product-create":
		return productCreate(ctx, cfg, local, args)
	case "product-update":
		return productUpdate(ctx, cfg, local, args)
	case "product-delete":
		return productDelete(ctx, cfg, local, args)
	case "movement":
		return movement(ctx, cfg, local, args)
	case "products":
		products, err := local.Products(ctx, cfg.TenantID)
		if err != nil {
			return err
		}
		return printJSON(products)
	case "status":
		return status(ctx, cfg, local)
	case "sync":
		return syncOnce(ctx, cfg, local)
	case "run":
		return runEngine(ctx, cfg, local)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// thresholdFlags registers the optional threshold flags shared by create and update
type thresholdFlags struct {
	mode      string
	critical  int
	attention int
}

func (t *thresholdFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&t.mode, "threshold-mode", "", "defaults or custom")
	fs.IntVar(&t.critical, "critical", 0, "Custom critical threshold")
	fs.IntVar(&t.attention, "attention", 0, "Custom attention threshold")
}

// values returns the thresholds given on the command line; flags left unset
// are nil, so out-of-range values still reach validation
func (t *thresholdFlags) values(fs *flag.FlagSet) (*inventory.ThresholdMode, *int, *int) {
	var (
		mode                *inventory.ThresholdMode
		critical, attention *int
	)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threshold-mode":
			m := inventory.ThresholdMode(t.mode)
			mode = &m
		case "critical":
			v := t.critical
			critical = &v
		case "attention":
			v := t.attention
			attention = &v
		}
	})
	return mode, critical, attention
}

func productCreate(ctx context.Context, cfg *config.Client, local *localstore.Store, args []string) error {
	fs := flag.NewFlagSet("product-create", flag.ContinueOnError)
	name := fs.String("name", "", "Product name")
	sku := fs.String("sku", "", "Stock keeping unit")
	price := fs.String("price", "0", "Unit price")
	qty := fs.Int("qty", 0, "Initial quantity")
	var th thresholdFlags
	th.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := decimal.NewFromString(*price)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", *price, err)
	}
	mode, critical, attention := th.values(fs)
	product, err := local.CreateProduct(ctx, cfg.TenantID, syncproto.ProductPayload{
		Name:                     *name,
		SKU:                      *sku,
		Price:                    p,
		Quantity:                 *qty,
		ThresholdMode:            mode,
		CustomCriticalThreshold:  critical,
		CustomAttentionThreshold: attention,
	})
	if err != nil {
		return err
	}
	return printJSON(product)
}

func productUpdate(ctx context.Context, cfg *config.Client, local *localstore.Store, args []string) error {
	fs := flag.NewFlagSet("product-update", flag.ContinueOnError)
	id := fs.String("id", "", "Product id")
	name := fs.String("name", "", "New name")
	sku := fs.String("sku", "", "New SKU")
	price := fs.String("price", "", "New unit price")
	var th thresholdFlags
	th.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var changes syncproto.ProductChanges
	// only flags given on the command line become changes
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			changes.Name = name
		case "sku":
			changes.SKU = sku
		}
	})
	if *price != "" {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", *price, err)
		}
		changes.Price = &p
	}
	changes.ThresholdMode, changes.CustomCriticalThreshold, changes.CustomAttentionThreshold = th.values(fs)

	product, err := local.UpdateProduct(ctx, cfg.TenantID, *id, changes)
	if err != nil {
		return err
	}
	return printJSON(product)
}

func productDelete(ctx context.Context, cfg *config.Client, local *localstore.Store, args []string) error {
	fs := flag.NewFlagSet("product-delete", flag.ContinueOnError)
	id := fs.String("id", "", "Product id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	product, err := local.DeleteProduct(ctx, cfg.TenantID, *id)
	if err != nil {
		return err
	}
	return printJSON(product)
}

func movement(ctx context.Context, cfg *config.Client, local *localstore.Store, args []string) error {
	fs := flag.NewFlagSet("movement", flag.ContinueOnError)
	productID := fs.String("product", "", "Product id")
	kind := fs.String("type", string(inventory.MovementEntry), "entry or exit")
	qty := fs.Int("qty", 0, "Quantity moved")
	reason := fs.String("reason", "", "Free-form reason")
	key := fs.String("key", "", "Idempotency key (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := local.RecordMovement(ctx, cfg.TenantID, syncproto.MovementPayload{
		ProductID:      *productID,
		Type:           inventory.MovementType(*kind),
		Quantity:       *qty,
		Reason:         *reason,
		IdempotencyKey: *key,
	})
	if err != nil {
		return err
	}
	return printJSON(m)
}

func status(ctx context.Context, cfg *config.Client, local *localstore.Store) error {
	counts, err := local.Counts(ctx, cfg.TenantID)
	if err != nil {
		return err
	}
	meta, err := local.Meta(ctx, cfg.TenantID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"tenantId":   cfg.TenantID,
		"outbox":     counts,
		"lastSyncAt": meta.LastSyncAt,
		"checkpoint": meta.Checkpoint,
	})
}

func newTransport(cfg *config.Client) *transport.Client {
	return transport.New(transport.Config{
		BaseURL:      cfg.ServerURL,
		TenantID:     cfg.TenantID,
		Token:        cfg.Token,
		DevSub:       cfg.DevSub,
		TenantSecret: cfg.TenantSecret,
		Timeout:      cfg.HTTPTimeout,
	})
}

// syncOnce drives a single engine without starting its background loop
func syncOnce(ctx context.Context, cfg *config.Client, local *localstore.Store) error {
	tr := newTransport(cfg)

	probeCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	defer cancel()
	online := tr.Healthz(probeCtx) == nil
	if !online {
		log.Warn().Str("server", cfg.ServerURL).Msg("server unreachable, operations stay queued")
	}

	// a previous agent may have died mid-round
	if _, err := local.RecoverProcessing(ctx, cfg.TenantID); err != nil {
		return err
	}

	e := engine.New(engine.Config{TenantID: cfg.TenantID}, local, tr, connectivity.NewMonitor(online))
	defer e.Stop()
	if err := e.Sync(ctx); err != nil {
		return err
	}
	return printJSON(e.Status())
}

// runEngine shares the tenant engine through a registry; the local store
// outlives every engine so no cleanup is registered
func runEngine(ctx context.Context, cfg *config.Client, local *localstore.Store) (err error) {
	conn := connectivity.NewMonitor(false)
	tr := newTransport(cfg)
	reg := engine.NewRegistry(func(_ context.Context, tenantID string) (*engine.Engine, func() error, error) {
		if tenantID != cfg.TenantID {
			return nil, nil, fmt.Errorf("agent is configured for tenant %s", cfg.TenantID)
		}
		return engine.New(engine.Config{TenantID: tenantID, SyncInterval: cfg.SyncInterval}, local, tr, conn), nil, nil
	})
	defer func() {
		err = multierr.Append(err, reg.Close())
	}()

	lease, err := reg.Acquire(ctx, cfg.TenantID)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, lease.Release())
	}()

	go connectivity.Probe(ctx, conn, tr, cfg.ProbeInterval)

	log.Info().
		Str("tenantId", cfg.TenantID).
		Str("server", cfg.ServerURL).
		Dur("interval", cfg.SyncInterval).
		Msg("sync agent running")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st := lease.Engine().Status()
			log.Info().Str("state", string(st.State)).Int64("pending", st.PendingCount).Msg("sync agent stopping")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			st := lease.Engine().Status()
			log.Debug().
				Str("state", string(st.State)).
				Int64("pending", st.PendingCount).
				Int64("failed", st.FailedCount).
				Msg("sync status")
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
