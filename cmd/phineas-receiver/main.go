package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/phineas/pkg/bootstrap"
	"github.com/cuemby/phineas/pkg/health"
	"github.com/cuemby/phineas/pkg/metrics"
	"github.com/cuemby/phineas/pkg/nettransport"
	"github.com/cuemby/phineas/pkg/pcrypto"
	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/phhttp"
	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/phruntime"
	"github.com/cuemby/phineas/pkg/phserver"
	"github.com/cuemby/phineas/pkg/queue/dupcache"
	"github.com/cuemby/phineas/pkg/receiver"
)

// tlsConfigHolder defers TLSConfig construction until the listener
// goroutine actually needs it, since a nil holder means "no SSL
// listener configured" rather than an error.
type tlsConfigHolder struct {
	certFile, keyFile, password, caFile string
}

func (h *tlsConfigHolder) build() (*tls.Config, error) {
	if h == nil {
		return nil, nil
	}
	return nettransport.TLSConfig(h.certFile, h.keyFile, h.password, h.caFile)
}

var rootCmd = &cobra.Command{
	Use:   "phineas-receiver",
	Short: "PHINEAS receiver: accepts ebXML requests and queues their payloads",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/phineas/phineas.yml", "Path to the PHINEAS configuration file")
	rootCmd.PersistentFlags().String("config-key", "", "Decryption key for an encrypted configuration file")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9091", "Address for the Prometheus metrics endpoint")

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

	receiverCfg := cfg.Receiver()
	rowTypes := bootstrap.ReceiverRowTypes(receiverCfg.Maps)
	registry, err := bootstrap.NewRegistry(cfg.QueueInfo(), rowTypes)
	if err != nil {
		return fmt.Errorf("build queue registry: %w", err)
	}

	dedup, err := dupcache.Open(filepath.Join(cfg.InstallDirectory(), "dupcache.db"))
	if err != nil {
		return fmt.Errorf("open dedup cache: %w", err)
	}

	rt := phruntime.New(cfg, registry, dedup)

	handler := &receiver.Handler{
		PartyID:      cfg.PartyId(),
		Organization: cfg.Organization(),
		BasicAuth:    phhttp.ParseCredentials(receiverCfg.BasicAuth),
		Maps:         receiverCfg.Maps,
		Queues:       registry,
		Dedup:        dedup,
		CertResolver: pcrypto.FileCertResolver{},
	}

	srv := &phserver.Server{
		Runtime:    rt,
		NumThreads: cfg.Server().NumThreads,
		Routes: map[string]phserver.Handler{
			"/phineas": handler,
		},
		NotFound: phserver.HandlerFunc(func(receiver.Request) receiver.Response {
			return receiver.Response{Code: 404, Body: []byte("not found")}
		}),
	}

	collector := metrics.NewCollector(registry, cfg.QueueInfo().PollInterval)
	collector.Start()
	metrics.RegisterComponent("queues", true, "registered")
	metrics.RegisterComponent("listener", false, "starting")

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

	sslCfg := cfg.Server().SSL
	var tlsConfig *tlsConfigHolder
	if sslCfg.Port > 0 && sslCfg.CertFile != "" {
		tlsConfig = &tlsConfigHolder{certFile: sslCfg.CertFile, keyFile: sslCfg.KeyFile, password: sslCfg.Password, caFile: sslCfg.AuthFile}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		tc, err := tlsConfig.build()
		if err != nil {
			errCh <- fmt.Errorf("build TLS config: %w", err)
			return
		}
		if err := srv.ListenAndServe(ctx, "", cfg.Server().Port, sslCfg.Port, tc); err != nil {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	fmt.Printf("phineas-receiver listening on port %d\n", cfg.Server().Port)
	if sslCfg.Port > 0 {
		fmt.Printf("phineas-receiver TLS listening on port %d\n", sslCfg.Port)
	}

	metrics.RegisterComponent("taskq", true, "ready")
	go watchListener(ctx, cfg.Server().Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("shutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}

	cancel()
	collector.Stop()
	if err := rt.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("shutdown complete")
	return nil
}

// watchListener polls the receiver's own plaintext listener so the
// readiness endpoint reflects whether it has actually started
// accepting connections, not just whether ListenAndServe was called.
func watchListener(ctx context.Context, port int) {
	checker := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", port)).WithTimeout(2 * time.Second)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		result := checker.Check(ctx)
		metrics.RegisterComponent("listener", result.Healthy, result.Message)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
