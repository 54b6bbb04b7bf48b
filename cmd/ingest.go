package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/objectstore"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/shutdown"
)

const drainPopTimeout = 100 * time.Millisecond

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Verify, enrich, score and index published events",
	Long: `Poll the object store for signed event payloads and run each one
through signature verification, deduplication, enrichment (GeoIP, TLS
certificate, CVE rules, optional reverse DNS), risk scoring, and the
index/archive sink.

Examples:
  lighthouse ingest
  lighthouse ingest --workers 8 --queue redis --archive postgres
  lighthouse ingest --once`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ic := defaults.Ingest
	ingestCmd.Flags().Duration("poll-interval", ic.PollInterval, "Object store polling interval")
	ingestCmd.Flags().Int("workers", ic.Workers, "Pipeline workers")
	ingestCmd.Flags().String("archive", ic.ArchiveBackend, "Archive backend (fs, postgres)")
	ingestCmd.Flags().String("queue", ic.QueueBackend, "Intake queue backend (memory, redis)")
	ingestCmd.Flags().String("index", defaults.Index.Backend, "Search index backend (opensearch, memory)")
	ingestCmd.Flags().Bool("rdns", ic.ReverseDNS, "Enable reverse DNS enrichment")
	ingestCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	ingestCmd.Flags().Bool("once", false, "Process everything currently in the store, then exit")

	viper.BindPFlag("ingest.poll_interval", ingestCmd.Flags().Lookup("poll-interval"))
	viper.BindPFlag("ingest.workers", ingestCmd.Flags().Lookup("workers"))
	viper.BindPFlag("ingest.archive_backend", ingestCmd.Flags().Lookup("archive"))
	viper.BindPFlag("ingest.queue_backend", ingestCmd.Flags().Lookup("queue"))
	viper.BindPFlag("index.backend", ingestCmd.Flags().Lookup("index"))
	viper.BindPFlag("ingest.reverse_dns", ingestCmd.Flags().Lookup("rdns"))
}

func runIngest(cmd *cobra.Command, args []string) error {
	handler := shutdown.NewHandler(log)
	ctx, stop := handler.Context(cmd.Context())
	defer stop()
	defer shutdownWithin(handler, shutdownTimeout, log)

	once, _ := cmd.Flags().GetBool("once")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	handler.RegisterShutdownFunc(tel.Close)

	var cl closers
	handler.RegisterShutdownFunc(func() error { return cl.Close() })

	parts, err := buildPipeline(ctx, cfg, tel, log, &cl)
	if err != nil {
		return err
	}

	store, err := objectstore.Open(ctx, cfg.ObjectStore, log)
	if err != nil {
		return err
	}
	cl.addCloser(store)

	queue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	cl.addCloser(queue)

	poller := pipeline.NewPoller(pipeline.PollerConfig{
		Interval: cfg.Ingest.PollInterval,
		Workers:  cfg.Ingest.Workers,
		ClaimTTL: cfg.Redis.ClaimTTL,
		Prefix:   objectstore.EventPrefix,
	}, store, queue, parts.dedup, parts.pipeline, log)

	if metricsAddr != "" {
		go serveMetrics(ctx, metricsAddr, tel)
	}

	if once {
		return drainOnce(ctx, poller, queue)
	}

	color.Cyan("Ingest running: %d workers, polling every %s\n", cfg.Ingest.Workers, cfg.Ingest.PollInterval)
	return poller.Run(ctx)
}

// drainOnce queues every pending payload and processes the queued keys
// inline, without the sharded workers.
func drainOnce(ctx context.Context, poller *pipeline.Poller, queue core.IntakeQueue) error {
	queued, err := poller.PollOnce(ctx)
	if err != nil {
		return err
	}

	counts := map[string]int{}
	for ctx.Err() == nil {
		key, err := queue.Pop(ctx, drainPopTimeout)
		if err != nil {
			return err
		}
		if key == "" {
			break
		}
		res, ok := poller.ProcessKey(ctx, key)
		if !ok {
			counts["skipped"]++
			continue
		}
		counts[string(res.Outcome)]++
	}

	color.Green("Processed %d payloads\n", queued)
	outcomes := make([]string, 0, len(counts))
	for outcome := range counts {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		fmt.Printf("  %-10s %d\n", outcome, counts[outcome])
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, tel core.Telemetry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(tel))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Infow("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("Metrics listener failed", "addr", addr, "error", err)
	}
}
