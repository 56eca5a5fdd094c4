// Command voxcart is the voice-shopping session engine. It connects the
// microphone to a remote conversational model through a streaming gateway,
// plays the model's replies, and lets the model act on the catalog and cart
// through tool calls. A line-oriented console stands in for the UI.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxcart/voxcart/internal/bus"
	"github.com/voxcart/voxcart/internal/cart"
	"github.com/voxcart/voxcart/internal/catalog"
	"github.com/voxcart/voxcart/internal/config"
	"github.com/voxcart/voxcart/internal/events"
	"github.com/voxcart/voxcart/internal/observe"
	"github.com/voxcart/voxcart/internal/orders"
	"github.com/voxcart/voxcart/internal/session"
	"github.com/voxcart/voxcart/internal/tools"
	"github.com/voxcart/voxcart/internal/tools/shopping"
	"github.com/voxcart/voxcart/internal/transport/gateway"
	"github.com/voxcart/voxcart/pkg/audio/portaudio"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxcart: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxcart: %v\n", err)
		}
		return 1
	}
	if cfg.Gateway.URL == "" {
		fmt.Fprintln(os.Stderr, "voxcart: gateway.url is required")
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxcart starting",
		"config", *configPath,
		"gateway", cfg.Gateway.URL,
		"stream_limit", cfg.Session.StreamLimit,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxcart"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	store, closeStore, err := buildOrderStore(ctx, cfg.Orders)
	if err != nil {
		slog.Error("failed to initialise order store", "err", err)
		return 1
	}
	defer closeStore()

	b := bus.New()
	defer b.Close()

	view := catalog.NewView(catalog.Default())
	crt := cart.New()
	toolset := func() []tools.Tool {
		return shopping.Tools(shopping.Deps{View: view, Cart: crt, Orders: store})
	}

	dev := portaudio.New()
	engine := session.New(b, dev, view, crt, toolset,
		session.WithStreamLimit(cfg.Session.StreamLimit),
		session.WithHandshakeTimeout(cfg.Gateway.HandshakeTimeout),
		session.WithSystemPrompt(cfg.Session.SystemPrompt),
	)

	var gwOpts []gateway.Option
	if cfg.Gateway.APIKey != "" {
		gwOpts = append(gwOpts, gateway.WithAPIKey(cfg.Gateway.APIKey))
	}
	gw := gateway.New(b, cfg.Gateway.URL, gwOpts...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runGateway(gctx, gw)
	})

	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Server.MetricsAddr)
		})
	}

	if err := engine.InitAudio(ctx); err != nil {
		slog.Error("audio initialisation failed", "err", err)
		// The console still runs so the status is inspectable, but streaming
		// cannot start.
	}

	g.Go(func() error {
		return runConsole(gctx, stop, engine, view, crt)
	})

	slog.Info("ready — type 'toggle' to start streaming, 'quit' to exit")

	err = g.Wait()

	if closeErr := engine.Close(); closeErr != nil {
		slog.Warn("engine close error", "err", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runGateway keeps the gateway connection alive, redialling with a short
// backoff after transport failures.
func runGateway(ctx context.Context, gw *gateway.Client) error {
	const redialDelay = 2 * time.Second
	for {
		err := gw.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("gateway connection lost, redialling", "err", err, "delay", redialDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redialDelay):
		}
	}
}

// serveMetrics exposes the Prometheus /metrics endpoint until ctx ends.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics endpoint up", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}

// runConsole reads operator commands from stdin until quit or ctx ends.
func runConsole(ctx context.Context, stop func(), engine *session.Engine, view *catalog.View, crt *cart.Cart) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	printStatus(engine)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				stop()
				return nil
			}
			switch line {
			case "", "help":
				fmt.Println("commands: toggle | status | cart | products | chat | quit")
			case "toggle":
				if err := engine.Toggle(ctx); err != nil {
					fmt.Printf("cannot toggle: %v\n", err)
				}
				printStatus(engine)
			case "status":
				printStatus(engine)
			case "cart":
				printCart(crt)
			case "products":
				printProducts(view)
			case "chat":
				printChat(engine)
			case "quit", "exit":
				stop()
				return nil
			default:
				fmt.Printf("unknown command %q (try 'help')\n", line)
			}
		}
	}
}

func printStatus(engine *session.Engine) {
	status := engine.Status()
	fmt.Printf("[%s] %s\n", status.ClassName, status.Text)
}

func printCart(crt *cart.Cart) {
	items := crt.Items()
	if len(items) == 0 {
		fmt.Println("cart is empty")
	}
	for _, it := range items {
		fmt.Printf("  %dx %-24s $%.2f\n", it.Quantity, it.Name, it.UnitPrice*float64(it.Quantity))
	}
	if len(items) > 0 {
		fmt.Printf("  total: $%.2f\n", crt.Total())
	}
	if crt.Confirmed() {
		fmt.Println("  order confirmed ✓")
	}
}

func printProducts(view *catalog.View) {
	for _, p := range view.Visible() {
		fmt.Printf("  %-24s %-10s $%.2f\n", p.Name, p.Category, p.Price)
	}
}

func printChat(engine *session.Engine) {
	turns := engine.Conversation().Turns()
	if len(turns) == 0 {
		fmt.Println("no conversation yet")
		return
	}
	for _, turn := range turns {
		fmt.Printf("  %s: %s\n", turn.Role, turn.Content)
	}
	if user, assistant := engine.Conversation().Waiting(); user {
		fmt.Printf("  %s: ...\n", events.RoleUser)
	} else if assistant {
		fmt.Printf("  %s: ...\n", events.RoleAssistant)
	}
}

// buildOrderStore picks the Postgres store when a DSN is configured and the
// in-memory store otherwise.
func buildOrderStore(ctx context.Context, cfg config.OrdersConfig) (orders.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		return orders.NewMemStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := orders.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("order store ready", "backend", "postgres")
	return store, pool.Close, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
