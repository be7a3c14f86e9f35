package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martiangreed/marathon/internal/executor"
	"github.com/martiangreed/marathon/internal/heartbeat"
	"github.com/martiangreed/marathon/internal/ids"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/nodeconfig"
	"github.com/martiangreed/marathon/internal/observability"
	"github.com/martiangreed/marathon/internal/pool"
	"github.com/martiangreed/marathon/internal/snapshot"
	"github.com/martiangreed/marathon/internal/vmm"
)

func daemonCmd() *cobra.Command {
	var (
		orchestratorAddr string
		totalSlots       uint32
		warmTarget       uint32
		logLevel         string
		tracingEnabled   bool
		tracingEndpoint  string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the node daemon",
		Long:  "Run marathon-node as a long-lived agent: maintain the warm VM pool, execute dispatched tasks, and heartbeat the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := nodeconfig.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if cmd.Flags().Changed("orchestrator") {
				cfg.OrchestratorAddr = orchestratorAddr
			}
			if cmd.Flags().Changed("total-slots") {
				cfg.TotalVMSlots = totalSlots
			}
			if cmd.Flags().Changed("warm-target") {
				cfg.WarmPoolTarget = warmTarget
			}
			if cmd.Flags().Changed("tracing") {
				cfg.TracingEnabled = tracingEnabled
			}
			if cmd.Flags().Changed("tracing-endpoint") {
				cfg.TracingEndpoint = tracingEndpoint
			}
			if cmd.Flags().Changed("log-level") {
				logging.InitStructured(cfg.LogFormat, logLevel)
			} else {
				logging.InitStructured(cfg.LogFormat, "info")
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.TracingEnabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.TracingEndpoint,
				ServiceName: "marathon-node",
				SampleRate:  1.0,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.Init("marathon")

			nodeID, err := loadOrCreateNodeID(filepath.Join(nodeconfig.BaseDir, "node_id"))
			if err != nil {
				return fmt.Errorf("node identity: %w", err)
			}

			catalog, err := snapshot.Scan(cfg.SnapshotDir)
			if err != nil {
				return fmt.Errorf("scan snapshot catalog: %w", err)
			}

			artifacts := vmm.Artifacts{
				FirecrackerBin: cfg.FirecrackerBin,
				KernelPath:     cfg.KernelPath,
				RootfsPath:     cfg.RootfsPath,
				VCPUCount:      1,
				MemSizeMiB:     512,
			}

			p := pool.New(pool.Config{
				TotalVMSlots:   cfg.TotalVMSlots,
				WarmPoolTarget: cfg.WarmPoolTarget,
			}, catalog, artifacts)

			warmCtx, cancelWarm := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := p.WarmPool(warmCtx, cfg.WarmPoolTarget); err != nil {
				logging.Op().Warn("daemon: initial warm pool fill incomplete", "error", err)
			}
			cancelWarm()

			ex := executor.New(p)

			hbClient := heartbeat.New(heartbeat.Config{
				OrchestratorAddr: cfg.OrchestratorAddr,
				NodeID:           nodeID,
				AuthKey:          []byte(cfg.AuthKey),
				TLSEnabled:       cfg.TLSEnabled,
				TLSCAPath:        cfg.TLSCAPath,
				Interval:         cfg.HeartbeatInterval,
				TotalVMSlots:     cfg.TotalVMSlots,
			}, p, ex)

			if cfg.ListenAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Global().Handler())
				metricsSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("daemon: metrics server exited", "error", err)
					}
				}()
				defer metricsSrv.Close()
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				hbClient.Run(ctx)
				close(done)
			}()
			logging.Op().Info("marathon-node started", "node_id", nodeID.String(), "orchestrator", cfg.OrchestratorAddr, "total_slots", cfg.TotalVMSlots)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			cancel()
			<-done
			ex.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&orchestratorAddr, "orchestrator", "", "Orchestrator address (host:port)")
	cmd.Flags().Uint32Var(&totalSlots, "total-slots", 0, "Total VM slot ceiling")
	cmd.Flags().Uint32Var(&warmTarget, "warm-target", 0, "Warm pool target size")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().BoolVar(&tracingEnabled, "tracing", false, "Enable OpenTelemetry tracing (OTLP/HTTP)")
	cmd.Flags().StringVar(&tracingEndpoint, "tracing-endpoint", "", "OTLP/HTTP collector endpoint (host:port)")

	return cmd
}

// loadOrCreateNodeID persists a random node identity at path across
// restarts, so the orchestrator can recognize a reconnecting node
// rather than seeing a new one on every process start.
func loadOrCreateNodeID(path string) (ids.ID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ids.Parse(string(data))
	}
	if !os.IsNotExist(err) {
		return ids.ID{}, err
	}

	id := ids.New()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ids.ID{}, err
	}
	if err := os.WriteFile(path, []byte(id.String()), 0644); err != nil {
		return ids.ID{}, err
	}
	return id, nil
}
