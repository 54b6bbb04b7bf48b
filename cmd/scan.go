package cmd

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/objectstore"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/shutdown"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/targets"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/trust"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan random public addresses and publish signed events",
	Long: `Probe uniformly random public IPv4 addresses on the configured ports
and publish one event per open port.

Modes:
  publish  Sign each event and write it to the object store (default).
           The ingest process picks it up and verifies it.
  direct   Hand events straight to an in-process pipeline. Documents are
           marked with assurance "direct".

Examples:
  lighthouse scan
  lighthouse scan --rate 500 --ports 22,80,443
  lighthouse scan --target 192.0.2.10 --target 198.51.100.7
  lighthouse scan --mode direct --max-targets 10000`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	sc := defaults.Scanner
	scanCmd.Flags().String("mode", sc.Mode, "publish (signed, via object store) or direct (in-process pipeline)")
	scanCmd.Flags().Float64("rate", sc.Rate, "New addresses per second")
	scanCmd.Flags().IntSlice("ports", sc.Ports, "Ports probed on every address")
	scanCmd.Flags().Int("max-in-flight", sc.MaxInFlight, "Addresses probed concurrently")
	scanCmd.Flags().Duration("timeout", sc.ConnectTimeout, "TCP connect timeout")
	scanCmd.Flags().String("source-id", sc.SourceID, "Source id stamped on events")
	scanCmd.Flags().String("key", sc.SigningKeyPath, "Ed25519 signing key path, created if missing")
	scanCmd.Flags().StringSlice("target", nil, "Scan only these addresses instead of random ones")
	scanCmd.Flags().Int64("max-targets", 0, "Stop after this many addresses (0 = run until interrupted)")

	viper.BindPFlag("scanner.mode", scanCmd.Flags().Lookup("mode"))
	viper.BindPFlag("scanner.rate", scanCmd.Flags().Lookup("rate"))
	viper.BindPFlag("scanner.ports", scanCmd.Flags().Lookup("ports"))
	viper.BindPFlag("scanner.max_in_flight", scanCmd.Flags().Lookup("max-in-flight"))
	viper.BindPFlag("scanner.connect_timeout", scanCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("scanner.source_id", scanCmd.Flags().Lookup("source-id"))
	viper.BindPFlag("scanner.signing_key_path", scanCmd.Flags().Lookup("key"))
}

func runScan(cmd *cobra.Command, args []string) error {
	handler := shutdown.NewHandler(log)
	ctx, stop := handler.Context(cmd.Context())
	defer stop()
	defer shutdownWithin(handler, shutdownTimeout, log)

	staticTargets, _ := cmd.Flags().GetStringSlice("target")
	maxTargets, _ := cmd.Flags().GetInt64("max-targets")

	source, err := targetSource(staticTargets)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	handler.RegisterShutdownFunc(tel.Close)

	publisher, err := newPublisher(ctx, cfg, tel, log, handler)
	if err != nil {
		return err
	}

	sc := cfg.Scanner
	driver, err := scanner.NewDriver(scanner.Config{
		Ports:         sc.Ports,
		Rate:          sc.Rate,
		MaxInFlight:   sc.MaxInFlight,
		MaxTargets:    maxTargets,
		StatsInterval: sc.StatsInterval,
	}, scanner.Deps{
		Targets:   source,
		Scanner:   portscan.NewScanner(scannerConfig(sc), log),
		Builder:   events.NewBuilder(sc.SourceID, logger.Version),
		Publisher: publisher,
		Telemetry: tel,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	color.Cyan("Scanning %d ports at %.0f addresses/s (mode: %s)\n", len(sc.Ports), sc.Rate, sc.Mode)
	if err := driver.Run(ctx); err != nil {
		return err
	}

	st := driver.Stats()
	color.Green("Scanned %d addresses: %d open ports, %d services, %d published, %d failed\n",
		st.Scanned, st.Open, st.Services, st.Published, st.Failed)
	return nil
}

func scannerConfig(sc config.ScannerConfig) portscan.Config {
	pc := portscan.DefaultConfig()
	pc.ConnectTimeout = sc.ConnectTimeout
	pc.BannerTimeout = sc.BannerTimeout
	pc.BannerMaxLen = sc.BannerMaxLen
	return pc
}

// targetSource returns a fixed list when addresses are given, otherwise
// the uniform random generator over public IPv4 space.
func targetSource(addrs []string) (scanner.TargetSource, error) {
	if len(addrs) == 0 {
		return scanner.RandomTargets(targets.New()), nil
	}
	parsed := make([]netip.Addr, 0, len(addrs))
	for _, s := range addrs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", s, err)
		}
		if !addr.Is4() {
			return nil, fmt.Errorf("target %q is not an IPv4 address", s)
		}
		parsed = append(parsed, addr)
	}
	return scanner.NewStaticTargets(parsed...), nil
}

// newPublisher builds the sink for scanned events. Publish mode signs into
// the object store; direct mode runs a full pipeline in this process.
func newPublisher(ctx context.Context, c *config.Config, tel core.Telemetry, log *logger.Logger, handler *shutdown.Handler) (scanner.Publisher, error) {
	switch c.Scanner.Mode {
	case "direct":
		var cl closers
		handler.RegisterShutdownFunc(func() error { return cl.Close() })
		parts, err := buildPipeline(ctx, c, tel, log, &cl)
		if err != nil {
			cl.Close()
			return nil, err
		}
		log.Warn("Direct mode: events skip signature verification and are marked assurance=direct")
		return scanner.NewDirectPublisher(parts.pipeline), nil

	case "publish", "":
		signer, created, err := trust.LoadOrCreateSigner(c.Scanner.SigningKeyPath, c.Scanner.SourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		if created {
			log.Infow("Generated new signing key",
				"path", c.Scanner.SigningKeyPath,
				"source_id", c.Scanner.SourceID,
				"public_key", signer.PublicKeyBase64(),
			)
			color.Yellow("New signing key written to %s. Register this public key for %s:\n  %s\n",
				c.Scanner.SigningKeyPath, c.Scanner.SourceID, signer.PublicKeyBase64())
		}

		store, err := objectstore.Open(ctx, c.ObjectStore, log)
		if err != nil {
			return nil, err
		}
		handler.RegisterShutdownFunc(store.Close)
		return scanner.NewStorePublisher(store, signer), nil

	default:
		return nil, fmt.Errorf("unknown scan mode %q", c.Scanner.Mode)
	}
}
