package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/internal/database"
	"github.com/Ramsey-B/clover/internal/middleware"
	"github.com/Ramsey-B/clover/internal/startup"
	"github.com/Ramsey-B/clover/pkg/entitystore"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/processor"
	"github.com/Ramsey-B/clover/pkg/redis"
	dlqroutes "github.com/Ramsey-B/clover/pkg/routes/dlq"
	entityroutes "github.com/Ramsey-B/clover/pkg/routes/entity"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	recordroutes "github.com/Ramsey-B/clover/pkg/routes/record"
)

const shutdownTimeout = 15 * time.Second

// services holds what the serve dependencies build, in start order.
type services struct {
	db       database.DB
	store    *entitystore.PostgresStore
	graph    *graph.Client
	redis    *redis.Client
	dlq      *redis.DeadLetterQueue
	producer *kafka.Producer
	manager  *entitystore.Manager
	stream   *processor.StreamProcessor
	consumer *kafka.Consumer
	echo     *echo.Echo
	health   *health.Checker
}

func (a *App) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the Kafka record stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *App) serve(ctx context.Context) error {
	s := &services{health: health.NewChecker(a.version)}

	st := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)
	for _, dep := range a.serveDependencies(s) {
		st.AddDependency(dep)
	}

	if err := st.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = st.Stop(stopCtx)
		return err
	}
	s.health.SetReady(true)
	a.logger.Infof("%s is ready on port %d", a.cfg.AppName, a.cfg.Port)

	<-ctx.Done()
	a.logger.Info("Shutting down")
	s.health.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return st.Stop(stopCtx)
}

// serveDependencies returns the service lifecycle: database, migrations, graph,
// redis and the event producer, then the pipeline, the consumer and HTTP.
func (a *App) serveDependencies(s *services) []startup.StartupDependency {
	cfg := a.cfg
	pipelineNeeds := []string{"database", "migrations"}

	deps := []startup.StartupDependency{
		&dependency{
			name: "database",
			start: func(ctx context.Context) error {
				db, err := database.Open(ctx, a.databaseConfig(), a.logger)
				if err != nil {
					return err
				}
				if err := db.PingContext(ctx); err != nil {
					_ = db.Close()
					return fmt.Errorf("failed to ping database: %w", err)
				}
				s.db = db
				s.store = entitystore.NewPostgresStore(db, a.logger)
				s.health.AddCheck("database", s.store.Ping)
				return nil
			},
			stop: func(context.Context) error { return s.db.Close() },
		},
		&dependency{
			name:      "migrations",
			dependsOn: []string{"database"},
			start: func(context.Context) error {
				return database.NewMigrationService(a.logger, a.migrationConfig()).MigratePostgres(s.db, cfg.DatabaseName)
			},
		},
	}

	if cfg.GraphDBEnabled {
		pipelineNeeds = append(pipelineNeeds, "graph")
		deps = append(deps, &dependency{
			name: "graph",
			start: func(ctx context.Context) error {
				client, err := graph.NewClient(graph.Config{
					Host:     cfg.GraphDBHost,
					Port:     cfg.GraphDBPort,
					Username: cfg.GraphDBUser,
					Password: cfg.GraphDBPassword,
				}, a.logger)
				if err != nil {
					return err
				}
				if err := client.VerifyConnectivity(ctx); err != nil {
					_ = client.Close(ctx)
					return fmt.Errorf("failed to reach graph database: %w", err)
				}
				s.graph = client
				s.health.AddCheck("graph", client.VerifyConnectivity)
				return nil
			},
			stop: func(ctx context.Context) error { return s.graph.Close(ctx) },
		})
	}

	if cfg.RedisEnabled {
		pipelineNeeds = append(pipelineNeeds, "redis")
		deps = append(deps, &dependency{
			name: "redis",
			start: func(ctx context.Context) error {
				client, err := redis.NewClient(ctx, redis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, a.logger)
				if err != nil {
					return err
				}
				s.redis = client
				s.dlq = redis.NewDeadLetterQueue(client, cfg.DLQStream, cfg.DLQMaxLen, a.logger)
				s.health.AddCheck("redis", client.Ping)
				return nil
			},
			stop: func(context.Context) error { return s.redis.Close() },
		})
	}

	if cfg.KafkaProducerEnabled {
		pipelineNeeds = append(pipelineNeeds, "kafka-producer")
		deps = append(deps, &dependency{
			name: "kafka-producer",
			start: func(context.Context) error {
				s.producer = kafka.NewProducer(kafka.ProducerConfigFrom(*cfg), a.logger)
				return nil
			},
			stop: func(context.Context) error { return s.producer.Close() },
		})
	}

	deps = append(deps, &dependency{
		name:      "pipeline",
		dependsOn: pipelineNeeds,
		start: func(context.Context) error {
			a.buildPipeline(s)
			return nil
		},
	})

	httpNeeds := []string{"pipeline"}
	if cfg.KafkaConsumerEnabled {
		httpNeeds = append(httpNeeds, "kafka-consumer")
		deps = append(deps, &dependency{
			name:      "kafka-consumer",
			dependsOn: []string{"pipeline"},
			start: func(ctx context.Context) error {
				s.consumer = kafka.NewConsumer(*cfg, a.logger, s.stream.HandleMessage).
					OnInvalid(s.stream.HandleInvalid)
				s.health.AddCheck("kafka", func(context.Context) error {
					if !s.consumer.Health() {
						return errors.New("consumer has no reader")
					}
					return nil
				})
				return s.consumer.Start(ctx)
			},
			stop: func(context.Context) error { return s.consumer.Stop() },
		})
	}

	deps = append(deps, &dependency{
		name:      "http",
		dependsOn: httpNeeds,
		start: func(context.Context) error {
			return a.startHTTP(s)
		},
		stop: func(ctx context.Context) error { return s.echo.Shutdown(ctx) },
	})

	return deps
}

// buildPipeline wires the match engine, the entity manager and the stream processor
// onto whichever optional sinks were started.
func (a *App) buildPipeline(s *services) {
	cfg := a.cfg
	s.manager = entitystore.NewManager(s.store, merging.NewMerger(), storeConfig(cfg), a.logger)
	engine := matching.NewEngine(s.store, engineConfig(cfg), a.logger)

	var publisher events.Publisher
	if s.producer != nil {
		publisher = s.producer
	}

	opts := []processor.Option{
		processor.WithEmitter(events.NewEmitter(publisher, a.logger)),
	}
	if s.graph != nil {
		opts = append(opts, processor.WithGraph(graph.NewProjector(s.graph, a.logger)))
	}
	if s.dlq != nil {
		opts = append(opts, processor.WithDeadLetters(s.dlq))
	}
	s.stream = processor.NewStreamProcessor(engine, s.manager, a.logger, opts...)
}

func (a *App) startHTTP(s *services) error {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(middleware.Context())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	s.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	entityroutes.NewHandler(s.manager, a.logger).RegisterRoutes(api)
	recordroutes.NewHandler(s.stream, a.logger).RegisterRoutes(api)
	if s.dlq != nil {
		dlqroutes.NewHandler(s.dlq, s.stream.Reprocess, a.logger).RegisterRoutes(api)
	}

	read, write, idle, header := a.httpTimeouts()
	server := &http.Server{
		Addr:              cfg.HTTPAddress(),
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
		ReadHeaderTimeout: header,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// A bind failure surfaces almost immediately; anything later is logged.
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start http server: %w", err)
	case <-time.After(250 * time.Millisecond):
	}
	go func() {
		if err := <-errCh; err != nil {
			a.logger.WithError(err).Error("HTTP server stopped")
		}
	}()

	s.echo = e
	return nil
}
