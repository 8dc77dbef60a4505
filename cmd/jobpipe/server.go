package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/jobpipe/internal/api"
	"github.com/kalambet/jobpipe/internal/blob"
	"github.com/kalambet/jobpipe/internal/composer"
	"github.com/kalambet/jobpipe/internal/config"
	"github.com/kalambet/jobpipe/internal/engine"
	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/jobsource"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/notify"
	"github.com/kalambet/jobpipe/internal/orchestrator"
	"github.com/kalambet/jobpipe/internal/reconcile"
	"github.com/kalambet/jobpipe/internal/scoring"
	"github.com/kalambet/jobpipe/internal/speech"
	"github.com/kalambet/jobpipe/internal/storage"
	"github.com/kalambet/jobpipe/internal/summarize"
	"github.com/kalambet/jobpipe/internal/translate"
	"github.com/kalambet/jobpipe/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, stage workers and reconciler in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWorkers, _ := cmd.Flags().GetBool("no-workers")
		return withServices(func(ctx context.Context, rt *services) error {
			tokens, err := rt.cfg.TokenUsers()
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				rt.logger.Warn("no API tokens configured, every request will be rejected", "env", "JOBPIPE_API_TOKENS")
			}

			if noWorkers && rt.cfg.Bus.Backend == "memory" {
				return fmt.Errorf("--no-workers needs a shared bus; set bus.backend to rabbitmq or sqs")
			}

			g, ctx := errgroup.WithContext(ctx)

			if !noWorkers {
				if err := rt.registerWorkers(ctx); err != nil {
					return err
				}
				g.Go(func() error { return rt.bus.Run(ctx) })
				g.Go(func() error { return rt.reconciler().Run(ctx) })
			}

			srv := &http.Server{
				Addr: rt.cfg.Server.Addr,
				Handler: api.NewHandler(api.Deps{
					Store:        rt.store,
					Orchestrator: rt.orch,
					Blobs:        rt.blobs,
					Auth:         api.TokenMap(tokens),
					Logger:       rt.logger,
					Metrics:      rt.metrics,
				}),
				BaseContext:       func(net.Listener) context.Context { return ctx },
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Go(func() error {
				rt.logger.Info("jobpipe listening", "addr", srv.Addr, "version", version)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				rt.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume stage events from the bus and run the stage workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		noReconcile, _ := cmd.Flags().GetBool("no-reconcile")
		return withServices(func(ctx context.Context, rt *services) error {
			if rt.cfg.Bus.Backend == "memory" {
				return fmt.Errorf("a standalone worker needs a shared bus; set bus.backend to rabbitmq or sqs")
			}
			if err := rt.registerWorkers(ctx); err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rt.bus.Run(ctx) })
			if !noReconcile {
				g.Go(func() error { return rt.reconciler().Run(ctx) })
			}
			rt.logger.Info("worker started", "bus", rt.cfg.Bus.Backend, "reconcile", !noReconcile)
			return g.Wait()
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-emit requests for entities stuck in pending or processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		return withServices(func(ctx context.Context, rt *services) error {
			r := rt.reconciler()
			if !once {
				return r.Run(ctx)
			}
			n, err := r.RunOnce(ctx)
			if err != nil {
				return err
			}
			printSuccess("Re-emitted %d stale item(s)", n)
			return nil
		})
	},
}

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run the stage workers as an AWS Lambda SQS consumer",
	Long: `Run the stage workers as an AWS Lambda SQS consumer.

A Lambda function only runs while it has messages, so it does not sweep for
stuck work. Schedule "jobpipe reconcile --once" (for example from an
EventBridge rule) next to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Bus.Backend != "sqs" {
			return fmt.Errorf("lambda mode needs bus.backend=sqs, got %q", cfg.Bus.Backend)
		}
		logger := newLogger(cfg.Log, os.Stderr).With("mode", "lambda")
		ctx := context.Background()

		rt, err := newServices(ctx, cfg, logger)
		if err != nil {
			return err
		}
		consumer := events.NewSQSLambda(logger)
		if err := rt.registerWorkersOn(ctx, consumer); err != nil {
			rt.Close()
			return err
		}
		// Start never returns; the services live until the sandbox is frozen.
		consumer.Start()
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tool interface over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(func(ctx context.Context, rt *services) error {
			mcpSrv := api.NewMCPServer(api.MCPDeps{
				Store:        rt.store,
				Orchestrator: rt.orch,
				UserID:       rt.cfg.Server.MCPUser,
				Logger:       rt.logger,
			})
			g, ctx := errgroup.WithContext(ctx)
			// With the in-process bus nobody else consumes the events.
			if rt.cfg.Bus.Backend == "memory" {
				if err := rt.registerWorkers(ctx); err != nil {
					return err
				}
				g.Go(func() error { return rt.bus.Run(ctx) })
				g.Go(func() error { return rt.reconciler().Run(ctx) })
			}
			rt.logger.Info("MCP server started (stdio transport)", "user", rt.cfg.Server.MCPUser)
			g.Go(func() error {
				return server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
			})
			return g.Wait()
		})
	},
}

func init() {
	serveCmd.Flags().Bool("no-workers", false, "serve the API only; workers run elsewhere")
	workerCmd.Flags().Bool("no-reconcile", false, "leave the stale-work sweep to another process")
	reconcileCmd.Flags().Bool("once", false, "sweep once and exit")
}

// services holds the shared process components every server-side command
// is assembled from.
type services struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   *storage.Store
	blobs   blob.Store
	bus     events.Bus
	orch    *orchestrator.Orchestrator
}

// withServices loads config, builds the services and runs fn until SIGINT
// or SIGTERM.
func withServices(fn func(ctx context.Context, rt *services) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout stays free for the MCP transport.
	logger := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := fn(ctx, rt); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newServices(ctx context.Context, cfg config.Config, logger *slog.Logger) (*services, error) {
	rt := &services{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New("jobpipe"),
	}

	var err error
	if rt.store, err = openStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	if rt.blobs, err = openBlobs(ctx, cfg.Blob); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.bus, err = openBus(ctx, cfg, logger); err != nil {
		rt.Close()
		return nil, err
	}
	rt.orch = orchestrator.New(rt.store, rt.bus, graphFromConfig(cfg), logger, rt.metrics)
	return rt, nil
}

func (rt *services) Close() {
	if rt.bus != nil {
		if err := rt.bus.Close(); err != nil {
			rt.logger.Warn("closing bus", "error", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("closing store", "error", err)
		}
	}
}

func (rt *services) reconciler() *reconcile.Reconciler {
	return reconcile.New(rt.store, rt.orch, reconcile.Config{
		Interval:   rt.cfg.Pipeline.ReconcileInterval,
		StaleAfter: rt.cfg.Pipeline.StaleAfter,
	}, rt.logger)
}

func (rt *services) registerWorkers(ctx context.Context) error {
	return rt.registerWorkersOn(ctx, rt.bus)
}

// registerWorkersOn builds the provider clients and subscribes every stage
// worker plus the completion notifier to sub.
func (rt *services) registerWorkersOn(ctx context.Context, sub events.Subscriber) error {
	cfg := rt.cfg

	eng, err := engine.Detect(engine.DetectConfig{
		Backend:       cfg.Engine.Backend,
		Model:         cfg.Engine.Model,
		OllamaBaseURL: cfg.Engine.OllamaBaseURL,
		APIKey:        cfg.Engine.OpenRouterAPIKey,
		BaseURL:       cfg.Engine.OpenRouterURL,
	})
	if err != nil {
		return err
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr); err != nil {
		return err
	}
	if cfg.Speech.APIKey == "" {
		rt.logger.Warn("speech API key is not set, transcriptions will fail", "env", "JOBPIPE_SPEECH_API_KEY")
	}

	comp := composer.New(cfg.Pipeline.MaxInputTokens)
	wcfg := worker.Config{
		Timeout:    cfg.Pipeline.StageTimeout,
		StaleAfter: cfg.Pipeline.StaleAfter,
	}
	source := rt.orch.Graph().Source()

	var sender notify.Sender = notify.Nop{}
	if cfg.Notify.TelegramToken != "" {
		sender = notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramBaseURL)
	}

	return worker.Register(sub, rt.logger,
		worker.NewTranscribeWorker(rt.store, rt.blobs, speech.New(cfg.Speech.APIKey, cfg.Speech.BaseURL, cfg.Speech.Model), rt.orch, wcfg, rt.logger, rt.metrics),
		worker.NewSummarizeWorker(rt.store, summarize.New(eng, comp), rt.orch, wcfg, rt.logger, rt.metrics),
		worker.NewTranslateWorker(rt.store, translate.New(eng, comp), source, rt.orch, wcfg, rt.logger, rt.metrics),
		worker.NewAnalyzeWorker(rt.store, jobsource.NewFetcher(nil), scoring.NewScorer(eng), rt.orch, wcfg, rt.logger, rt.metrics),
		notify.NewListener(rt.store, sender, rt.logger),
	)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (*storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := storage.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return s, nil
	default:
		s, err := storage.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, nil
	}
}

func openBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	if cfg.Backend == "s3" {
		s, err := blob.NewS3Store(ctx, blob.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("opening s3 blob store: %w", err)
		}
		return s, nil
	}
	s, err := blob.NewFSStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening blob dir: %w", err)
	}
	return s, nil
}

func openBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (events.Bus, error) {
	switch cfg.Bus.Backend {
	case "rabbitmq":
		b, err := events.NewRabbitMQBus(logger, events.RabbitMQOptions{
			URL:         cfg.Bus.RabbitURL,
			QueuePrefix: cfg.Bus.QueuePrefix,
			Prefetch:    cfg.Bus.Workers,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "sqs":
		b, err := events.NewSQSBus(ctx, logger, events.SQSOptions{
			Region:      cfg.Bus.SQSRegion,
			Endpoint:    cfg.Bus.SQSEndpoint,
			QueuePrefix: cfg.Bus.QueuePrefix,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return events.NewMemoryBus(logger, events.MemoryOptions{
			Workers:     cfg.Bus.Workers,
			MaxAttempts: cfg.Bus.MaxAttempts,
		}), nil
	}
}

func graphFromConfig(cfg config.Config) orchestrator.Graph {
	return orchestrator.Graph{
		AutoSummarize:     cfg.Pipeline.AutoSummarize,
		AutoTranslate:     cfg.AutoTranslateLanguages(),
		TranslationSource: orchestrator.TranslationSource(cfg.Pipeline.TranslationSource),
	}
}
