package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bausoptical/lenses/internal/automation"
	"github.com/bausoptical/lenses/internal/pos"
	"github.com/bausoptical/lenses/internal/sms"
	"github.com/bausoptical/lenses/pkg/observability"
)

var pollBranchID string

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll a branch's POS API for events",
	Long: `Pulls events from the POS REST API for branches whose POS cannot push
webhooks, and runs each through the automation pipeline. The pipeline's
dedup claim makes overlap with webhook delivery harmless.`,
	Run: func(cmd *cobra.Command, args []string) {
		runPoll()
	},
}

func init() {
	pollCmd.Flags().StringVar(&pollBranchID, "branch", "", "branch id to poll (required)")
	pollCmd.MarkFlagRequired("branch")
}

func runPoll() {
	logger := observability.NewLogger("lenses-poller").With("branch_id", pollBranchID)

	st, closeStore := openStore(logger)
	defer closeStore()

	engine := automation.NewEngine(st, sms.NewClient(), logger)
	if producer := buildKafkaProducer(); producer != nil {
		defer producer.Close()
		engine.WithPublisher(producer)
	}

	interval := viper.GetDuration("poll_interval")
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	logger.Info("poller started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var since time.Time
	for {
		// Reload config every cycle so credential changes apply without a
		// restart.
		cfg, err := st.GetBranchConfig(ctx, pollBranchID)
		if err != nil {
			logger.Error("failed to load branch config", "error", err)
		} else if cfg == nil || cfg.PosAPIBaseURL == "" {
			logger.Warn("branch has no POS API configured, skipping cycle")
		} else {
			pollStart := time.Now()
			events, err := pos.PollEvents(ctx, httpClient, pos.APIConfig{
				BaseURL:  cfg.PosAPIBaseURL,
				APIKey:   cfg.PosAPIKey,
				BranchID: pollBranchID,
			}, since)
			if err != nil {
				logger.Error("poll failed", "error", err)
			} else {
				for _, ev := range events {
					res := engine.ProcessPosEvent(ctx, ev)
					if !res.Success {
						logger.Warn("event processing failed", "pos_event_id", ev.PosEventID, "error", res.Error)
					}
				}
				since = pollStart
				if len(events) > 0 {
					logger.Info("poll cycle complete", "events", len(events))
				}
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("poller stopping")
			return
		case <-ticker.C:
		}
	}
}
