package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bausoptical/lenses/internal/automation"
	"github.com/bausoptical/lenses/internal/sms"
	"github.com/bausoptical/lenses/internal/store"
	"github.com/bausoptical/lenses/internal/webhook"
	"github.com/bausoptical/lenses/pkg/database"
	"github.com/bausoptical/lenses/pkg/messaging"
	"github.com/bausoptical/lenses/pkg/monitoring"
	"github.com/bausoptical/lenses/pkg/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook service",
	Long: `Starts the HTTP service that receives POS webhooks, the work queue
consumer that runs the automation pipeline, and the metrics endpoint.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	logger := observability.NewLogger("lenses")

	st, closeStore := openStore(logger)
	defer closeStore()

	// Redis is the advisory dedup fast path. The service is fully correct
	// without it.
	var rdb *redis.Client
	if addr := viper.GetString("redis_addr"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis connection failed, continuing without dedup cache", "error", err)
			rdb = nil
		}
	}

	engine := automation.NewEngine(st, sms.NewClient(), logger)
	if rdb != nil {
		engine.WithRedis(rdb)
	}
	if producer := buildKafkaProducer(); producer != nil {
		defer producer.Close()
		engine.WithPublisher(producer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event handoff: durable RabbitMQ queue when a broker is configured,
	// in-process worker pool otherwise.
	var queue webhook.EventQueue
	if rabbitURL := viper.GetString("rabbitmq_url"); rabbitURL != "" {
		cfg := messaging.DefaultConfig()
		cfg.URL = rabbitURL
		rabbitClient, err := messaging.NewRabbitMQClient(cfg)
		if err != nil {
			log.Fatalf("rabbitmq connection failed: %v", err)
		}
		defer rabbitClient.Close()

		rq, err := webhook.NewRabbitQueue(rabbitClient)
		if err != nil {
			log.Fatalf("failed to declare pos.events queue: %v", err)
		}
		queue = rq

		go func() {
			if err := webhook.RunConsumer(ctx, rabbitClient, engine, logger); err != nil {
				logger.Error("queue consumer stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("RABBITMQ_URL not set, processing events in-process")
		ipq := webhook.NewInProcessQueue(engine, viper.GetInt("queue_workers"), 0)
		defer ipq.Close()
		queue = ipq
	}

	shutdownTracer, err := observability.InitTracer(ctx, observability.Config{
		ServiceName:    "lenses",
		ServiceVersion: "0.1.0",
		Endpoint:       viper.GetString("otel_exporter_otlp_endpoint"),
		Environment:    viper.GetString("environment"),
	})
	if err != nil {
		logger.Warn("failed to init tracer", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	monitoring.StartMetricsServer(viper.GetString("metrics_addr"))

	handler := webhook.NewHandler(st, queue, sms.NewClient(), logger)
	router := mux.NewRouter()
	handler.Routes(router)

	addr := viper.GetString("http_addr")
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(router, "lenses-request"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("webhook service starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
}

// openStore returns the configured store and a close function. Without a
// DSN the service runs on the in-memory store, which is only useful for
// local development.
func openStore(logger *observability.Logger) (store.Store, func()) {
	dsn := viper.GetString("db_dsn")
	if dsn == "" {
		logger.Warn("DB_DSN not set, using in-memory store; data will not survive restarts")
		return store.NewMemory(), func() {}
	}

	db, err := database.Connect(dsn)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	if schemaFile := viper.GetString("schema_file"); schemaFile != "" {
		schema, err := os.ReadFile(schemaFile)
		if err != nil {
			logger.Warn("failed to read schema file", "path", schemaFile, "error", err)
		} else if _, err := db.Exec(string(schema)); err != nil {
			db.Close()
			log.Fatalf("schema migration failed: %v", err)
		} else {
			logger.Info("schema migration executed")
		}
	}

	return store.NewPostgres(db), func() { db.Close() }
}

func buildKafkaProducer() *messaging.KafkaProducer {
	brokers := viper.GetString("kafka_brokers")
	if brokers == "" {
		return nil
	}
	return messaging.NewKafkaProducer(strings.Split(brokers, ","), viper.GetString("kafka_topic"))
}
