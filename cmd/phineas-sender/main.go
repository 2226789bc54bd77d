package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/phineas/pkg/bootstrap"
	"github.com/cuemby/phineas/pkg/health"
	"github.com/cuemby/phineas/pkg/metrics"
	"github.com/cuemby/phineas/pkg/pcrypto"
	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/phruntime"
	"github.com/cuemby/phineas/pkg/queue"
	"github.com/cuemby/phineas/pkg/sender/folderpoller"
	"github.com/cuemby/phineas/pkg/sender/queuepoller"
	"github.com/cuemby/phineas/pkg/sender/transmitter"
)

var rootCmd = &cobra.Command{
	Use:   "phineas-sender",
	Short: "PHINEAS sender: scans outbound folders and transmits queued files to partners",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/phineas/phineas.yml", "Path to the PHINEAS configuration file")
	rootCmd.PersistentFlags().String("config-key", "", "Decryption key for an encrypted configuration file")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9092", "Address for the Prometheus metrics endpoint")

	cobra.OnInitialize(initLogging)
	rootCmd.RunE = run
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	phlog.Init(phlog.Config{Level: phlog.Level(level), JSONOutput: jsonOut})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	configKey, _ := cmd.Flags().GetString("config-key")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := phconfig.LoadConfig(configPath, []byte(configKey))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	senderCfg := cfg.Sender()
	rowTypes := bootstrap.SenderRowTypes(senderCfg.Maps)
	registry, err := bootstrap.NewRegistry(cfg.QueueInfo(), rowTypes)
	if err != nil {
		return fmt.Errorf("build queue registry: %w", err)
	}

	rt := phruntime.New(cfg, registry, nil)

	routesByName := make(map[string]phconfig.RouteConfig, len(senderCfg.Routes))
	for _, r := range senderCfg.Routes {
		routesByName[r.Name] = r
	}
	routeLookup := func(name string) (phconfig.RouteConfig, bool) {
		r, ok := routesByName[name]
		return r, ok
	}

	certResolver := pcrypto.FileCertResolver{}

	queueNames := make([]string, 0, len(senderCfg.Maps))
	processors := make(map[string]queuepoller.Processor, len(senderCfg.Maps))

	var pollers []*folderpoller.Poller
	for _, m := range senderCfg.Maps {
		if m.Queue == "" {
			continue
		}
		tr := &transmitter.Transmitter{
			PartyID:             cfg.PartyId(),
			Organization:        cfg.Organization(),
			MaxRetry:            senderCfg.MaxRetry,
			DelayRetry:          senderCfg.DelayRetry,
			CertResolver:        certResolver,
			RouteLookup:         routeLookup,
			Filter:              m.Filter,
			FilterTimeout:       senderCfg.PollInterval,
			EncryptionAlgorithm: m.Encryption.Type,
			AckDirectory:        m.Acknowledged,
		}
		queueName := m.Queue
		processors[queueName] = func(row *queue.Row) {
			result := tr.Send(row)
			phlog.WithQueue(queueName).Info().
				Str("status", result.Get("TRANSPORTSTATUS")).
				Str("message_id", result.Get("MESSAGEID")).
				Msg("sender: row processed")
		}
		queueNames = append(queueNames, queueName)

		pollers = append(pollers, &folderpoller.Poller{
			Runtime:      rt,
			Map:          m,
			PollInterval: senderCfg.PollInterval,
		})
	}

	qp := &queuepoller.Poller{
		Runtime:      rt,
		QueueNames:   queueNames,
		Processors:   processors,
		PollInterval: senderCfg.PollInterval,
		MaxThreads:   cfg.QueueInfo().MaxThreads,
	}

	collector := metrics.NewCollector(registry, senderCfg.PollInterval)
	collector.Start()
	metrics.RegisterComponent("queues", true, "registered")
	metrics.RegisterComponent("taskq", true, "ready")
	metrics.RegisterComponent("listener", true, "sender has no inbound listener")

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			phlog.Errorf("metrics server error", err)
		}
	}()
	fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)

	for _, p := range pollers {
		go p.Run()
	}
	go qp.Run()

	ctx, cancel := context.WithCancel(context.Background())
	go watchRoutes(ctx, senderCfg.Routes)

	fmt.Printf("phineas-sender running with %d folder map(s)\n", len(pollers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down...")

	cancel()
	collector.Stop()
	if err := rt.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("shutdown complete")
	return nil
}

// watchRoutes periodically probes each configured partner route with a
// plain TCP dial, publishing the result as a "route:<name>" health
// component so /health reflects partner reachability between sends.
func watchRoutes(ctx context.Context, routes []phconfig.RouteConfig) {
	if len(routes) == 0 {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		for _, r := range routes {
			checker := health.NewTCPChecker(fmt.Sprintf("%s:%d", r.Host, r.Port)).WithTimeout(3 * time.Second)
			result := checker.Check(ctx)
			metrics.RegisterComponent("route:"+r.Name, result.Healthy, result.Message)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
