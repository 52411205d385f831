package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bausoptical/lenses/internal/automation"
	"github.com/bausoptical/lenses/internal/sms"
	"github.com/bausoptical/lenses/pkg/monitoring"
	"github.com/bausoptical/lenses/pkg/observability"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the reminder sweeper",
	Long: `Runs the periodic sweep that dispatches due reminders. Deployed as its
own process so reminder delivery keeps working while the webhook service is
being restarted.`,
	Run: func(cmd *cobra.Command, args []string) {
		runSweep()
	},
}

func runSweep() {
	logger := observability.NewLogger("lenses-sweeper")

	st, closeStore := openStore(logger)
	defer closeStore()

	engine := automation.NewEngine(st, sms.NewClient(), logger)
	if producer := buildKafkaProducer(); producer != nil {
		defer producer.Close()
		engine.WithPublisher(producer)
	}

	interval := viper.GetDuration("sweep_interval")
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitoring.StartMetricsServer(viper.GetString("metrics_addr"))

	logger.Info("sweeper started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := engine.ProcessDueReminders(ctx); err != nil {
			logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping")
			return
		case <-ticker.C:
		}
	}
}
