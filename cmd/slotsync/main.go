package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/slotsync/internal/config"
	"github.com/agentworkforce/slotsync/internal/httpapi"
	"github.com/agentworkforce/slotsync/internal/journal"
	"github.com/agentworkforce/slotsync/internal/mirror"
	"github.com/agentworkforce/slotsync/internal/protocol"
	"github.com/agentworkforce/slotsync/internal/render"
	"github.com/agentworkforce/slotsync/internal/slotfs"
	"github.com/agentworkforce/slotsync/internal/slotstate"
	"github.com/agentworkforce/slotsync/internal/syncendpoint"
)

type options struct {
	configPath      string
	address         string
	autoconnect     bool
	seed            string
	syncOnOpen      bool
	requestTimeout  time.Duration
	reconnect       bool
	reconnectMin    time.Duration
	reconnectMax    time.Duration
	reconnectJitter float64
	journalDSN      string
	journalCapacity int
	mirrorDir       string
	mountDir        string
	httpAddr        string
	httpToken       string
	readLimit       int
	console         bool
	live            bool
	fuseDebug       bool
	layout          slotstate.Layout
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("%v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, opts, os.Stdin, os.Stdout, log.Default()); err != nil {
		log.Fatalf("slotsync: %v", err)
	}
}

// parseOptions resolves settings with precedence flag > env > config file >
// defaults.
func parseOptions(args []string) (options, error) {
	configPath := configPathFromArgs(args, envOrDefault("SLOTSYNC_CONFIG", ""))
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return options{}, err
		}
		cfg = loaded
	}

	var opts options
	fs := flag.NewFlagSet("slotsync", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", configPath, "YAML config file")
	fs.StringVar(&opts.address, "address", envOrDefault("SLOTSYNC_ADDRESS", cfg.Address), "peer WebSocket address")
	fs.BoolVar(&opts.autoconnect, "autoconnect", boolEnv("SLOTSYNC_AUTOCONNECT", cfg.Autoconnect), "connect on start")
	fs.StringVar(&opts.seed, "seed", envOrDefault("SLOTSYNC_SEED", cfg.Seed), "initial slot values: empty or random")
	fs.BoolVar(&opts.syncOnOpen, "sync-on-open", boolEnv("SLOTSYNC_SYNC_ON_OPEN", cfg.SyncOnOpen), "request full_sync after each connect")
	fs.DurationVar(&opts.requestTimeout, "request-timeout", durationEnv("SLOTSYNC_REQUEST_TIMEOUT", cfg.RequestTimeout), "correlated request timeout")
	fs.BoolVar(&opts.reconnect, "reconnect", boolEnv("SLOTSYNC_RECONNECT", cfg.Reconnect.Enabled), "redial after channel failure")
	fs.DurationVar(&opts.reconnectMin, "reconnect-min", durationEnv("SLOTSYNC_RECONNECT_MIN", cfg.Reconnect.MinDelay), "first redial delay")
	fs.DurationVar(&opts.reconnectMax, "reconnect-max", durationEnv("SLOTSYNC_RECONNECT_MAX", cfg.Reconnect.MaxDelay), "redial delay cap")
	fs.Float64Var(&opts.reconnectJitter, "reconnect-jitter", floatEnv("SLOTSYNC_RECONNECT_JITTER", cfg.Reconnect.Jitter), "redial jitter ratio (0.0-1.0)")
	fs.StringVar(&opts.journalDSN, "journal", envOrDefault("SLOTSYNC_JOURNAL", cfg.Journal), "frame journal DSN (memory://, file path, postgres://)")
	fs.IntVar(&opts.journalCapacity, "journal-capacity", intEnv("SLOTSYNC_JOURNAL_CAPACITY", cfg.JournalCapacity), "entries kept in memory by the journal")
	fs.StringVar(&opts.mirrorDir, "mirror-dir", envOrDefault("SLOTSYNC_MIRROR_DIR", cfg.MirrorDir), "local mirror directory")
	fs.StringVar(&opts.mountDir, "mount-dir", envOrDefault("SLOTSYNC_MOUNT_DIR", cfg.MountDir), "FUSE mount point")
	fs.StringVar(&opts.httpAddr, "http-addr", envOrDefault("SLOTSYNC_HTTP_ADDR", cfg.HTTPAddr), "control API and /metrics listen address")
	fs.StringVar(&opts.httpToken, "http-token", envOrDefault("SLOTSYNC_HTTP_TOKEN", cfg.HTTPToken), "bearer token required on /v1 routes")
	fs.IntVar(&opts.readLimit, "read-limit", intEnv("SLOTSYNC_READ_LIMIT", 1<<20), "max inbound frame bytes")
	fs.BoolVar(&opts.console, "console", boolEnv("SLOTSYNC_CONSOLE", isatty.IsTerminal(os.Stdin.Fd())), "read commands from stdin")
	fs.BoolVar(&opts.live, "live", boolEnv("SLOTSYNC_LIVE", false), "redraw the grid on every change")
	fs.BoolVar(&opts.fuseDebug, "fuse-debug", false, "log FUSE requests")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.Address = strings.TrimSpace(opts.address)
	cfg.Autoconnect = opts.autoconnect
	cfg.Seed = opts.seed
	cfg.RequestTimeout = opts.requestTimeout
	cfg.JournalCapacity = opts.journalCapacity
	cfg.Reconnect = config.ReconnectConfig{
		Enabled:  opts.reconnect,
		MinDelay: opts.reconnectMin,
		MaxDelay: opts.reconnectMax,
		Jitter:   opts.reconnectJitter,
	}
	if err := cfg.Validate(); err != nil {
		return options{}, fmt.Errorf("invalid configuration: %w", err)
	}
	layout, err := cfg.SlotLayout()
	if err != nil {
		return options{}, err
	}
	opts.address = cfg.Address
	opts.layout = layout
	return opts, nil
}

// configPathFromArgs finds --config before the full flag set exists, since
// the file supplies the other flags' defaults.
func configPathFromArgs(args []string, fallback string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if value, ok := strings.CutPrefix(name, "config="); ok {
			return value
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer, logger *log.Logger) error {
	store := slotstate.NewStore(opts.layout)
	if strings.EqualFold(opts.seed, config.SeedRandom) {
		store.Seed(rand.New(rand.NewSource(time.Now().UnixNano())))
	}

	codec, err := protocol.NewCodec()
	if err != nil {
		return err
	}

	frames, err := journal.BuildFromDSN(opts.journalDSN, opts.journalCapacity)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if frames != nil {
		defer frames.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := syncendpoint.NewMetrics(syncendpoint.MetricsConfig{Registry: registry})

	endpoint, err := syncendpoint.New(syncendpoint.Options{
		Store:          store,
		Codec:          codec,
		Dialer:         syncendpoint.WebSocketDialer(nil, int64(opts.readLimit)),
		Journal:        frames,
		Metrics:        metrics,
		Logger:         logger,
		RequestTimeout: opts.requestTimeout,
		SyncOnOpen:     opts.syncOnOpen,
		Reconnect: syncendpoint.ReconnectPolicy{
			Enabled:  opts.reconnect,
			MinDelay: opts.reconnectMin,
			MaxDelay: opts.reconnectMax,
			Jitter:   opts.reconnectJitter,
		},
	})
	if err != nil {
		return err
	}
	defer endpoint.Close()
	endpoint.OnStateChange(func(state syncendpoint.State) {
		logger.Printf("channel %s", state)
	})

	if opts.httpAddr != "" {
		api := httpapi.NewServerWithConfig(endpoint, httpapi.ServerConfig{
			Token:          opts.httpToken,
			RequestTimeout: opts.requestTimeout,
			Journal:        frames,
			Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		})
		srv := &http.Server{
			Addr:              opts.httpAddr,
			Handler:           api,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("control API listening on %s", opts.httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("control API failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if opts.mirrorDir != "" {
		m, err := mirror.New(mirror.Options{
			Root:        opts.mirrorDir,
			Store:       store,
			Updater:     endpoint,
			Logger:      logger,
			ErrorIsSoft: offlineError,
		})
		if err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
		go func() {
			if err := m.Run(ctx); err != nil {
				logger.Printf("mirror stopped: %v", err)
			}
		}()
		logger.Printf("mirroring slots to %s", m.Root())
	}

	if opts.mountDir != "" {
		server, err := slotfs.Mount(opts.mountDir, slotfs.Options{
			Store:       store,
			Updater:     endpoint,
			Logger:      logger,
			ErrorIsSoft: offlineError,
			Debug:       opts.fuseDebug,
		})
		if err != nil {
			return err
		}
		logger.Printf("slots mounted at %s", opts.mountDir)
		defer func() {
			if err := server.Unmount(); err != nil {
				logger.Printf("unmount %s failed: %v", opts.mountDir, err)
			}
		}()
	}

	if opts.live {
		unsubscribe := store.Subscribe(func(slotstate.Change) {
			_ = render.Grid(out, store)
		})
		defer unsubscribe()
	}

	if opts.autoconnect {
		stopAutoconnect := startAutoconnect(ctx, endpoint, opts.address, opts.requestTimeout, logger)
		defer stopAutoconnect()
	}

	if !opts.console {
		<-ctx.Done()
		logger.Printf("slotsync stopping: %v", ctx.Err())
		return nil
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &console{
		endpoint:       endpoint,
		journal:        frames,
		out:            out,
		defaultAddress: opts.address,
	}
	go func() {
		c.run(sessionCtx, in)
		cancel()
	}()
	<-sessionCtx.Done()
	return nil
}

// startAutoconnect dials address in the background so an unreachable peer
// does not hold up startup. The returned func cancels the dial and waits for
// it to finish.
func startAutoconnect(ctx context.Context, endpoint *syncendpoint.Endpoint, address string, timeout time.Duration, logger *log.Logger) func() {
	var (
		dialCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := endpoint.Open(dialCtx, address); err != nil && !errors.Is(dialCtx.Err(), context.Canceled) {
			logger.Printf("autoconnect to %s failed: %v", address, err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func offlineError(err error) bool {
	return errors.Is(err, syncendpoint.ErrNotConnected) || errors.Is(err, syncendpoint.ErrChannel)
}
