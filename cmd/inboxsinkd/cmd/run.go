package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kopilin/inboxsink/internal/config"
	"github.com/kopilin/inboxsink/internal/logger"
	"github.com/kopilin/inboxsink/internal/orchestrator"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the ingestion loop: scan, batch, import, and mark until stopped",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Int("health-port", 0, "serve GET /healthz on this port (0 disables it)")
	_ = viper.BindPFlag("health_port", runCmd.Flags().Lookup("health-port"))
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New("inboxsinkd")
	log = log.Level(logger.ParseLevel(cfg.Logging.Level))

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if port := viper.GetInt("health_port"); port > 0 {
		startHealthServer(ctx, log, port, orch)
	}

	log.Info().Str("wait_dir", cfg.Paths.WaitDir).Int("threads", cfg.Worker.Threads).Msg("inboxsinkd starting")

	if err := orch.Run(ctx); err != nil {
		log.Error().Err(err).Msg("inboxsinkd exited with error")
		return err
	}
	log.Info().Msg("inboxsinkd stopped")
	return nil
}

// startHealthServer serves GET /healthz reporting the orchestrator's
// aggregated dependency health (ledger + vector sink). The server is
// bound to ctx: it shuts down when ctx is canceled, same as every other
// component started from run.
func startHealthServer(ctx context.Context, log zerolog.Logger, port int, orch *orchestrator.Orchestrator) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if orch.HealthChecker().IsHealthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info().Int("port", port).Msg("health endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health endpoint exited with error")
		}
	}()
}
