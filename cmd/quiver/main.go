package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-quiver/internal/collective"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/mlp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(newCLI().ExecuteContext(ctx))
}

func newCLI() *cobra.Command {
	var logLevel, logFormat string
	root := &cobra.Command{
		Use:   "quiver",
		Short: "Attention layer stack with incremental key/value caching",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
			logger.Setup(logLevel, logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "console or json")

	root.AddCommand(runCmd(), reduceCmd())
	return root
}

func runCmd() *cobra.Command {
	cfg := config.Default()
	var (
		o           runOptions
		act         string
		int4Group   int
		int4Pad     int
		fused       bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate from random weights with a synthetic scorer",
		Long: "Builds a random decoder stack, runs greedy (--beam 1) or beam-search generation " +
			"through it and reports each layer's cache cursor. DISABLE_KV_CACHE, ENABLE_SDP_FUSION, " +
			"COL_MAJOR, LLM_ACC_TEST, LLM_ACC_STRICT, MAX_SEQ_LEN and MAX_OUT_SEQ_LEN are honored.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mlp.ParseActivation(act)
			if err != nil {
				return err
			}
			o.Act = a
			cfg.Runtime = config.RuntimeFromEnv()
			if fused {
				cfg.Runtime.SDPFusion = true
			}
			cfg.ApplySeqLimits(config.MaxSeqLenFromEnv())
			if int4Group > 0 {
				cfg.Quant = config.Quant{Mode: config.QuantInt4, GroupSize: int4Group, PadTo: int4Pad}
			}
			o.Layer = cfg

			ctx := cmd.Context()
			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr)
				defer stop()
			}
			logger.Log.Info("starting run",
				"layers", o.Layers, "embed", cfg.EmbedDim, "heads", cfg.NumHeads, "tp", cfg.TPSize,
				"batch", o.Batch, "beam", o.Beam, "cache_optimized", cfg.CacheOptimized(), "fused_sdp", cfg.FusedSDP())
			res, err := generate(ctx, o)
			if err != nil {
				return err
			}
			tokens := o.Batch * o.Beam * o.Steps
			logger.Log.Info("run complete", "elapsed", res.Elapsed.String(),
				"tokens_per_sec", float64(tokens)/res.Elapsed.Seconds())
			for i, c := range res.Cursors {
				fmt.Fprintf(cmd.OutOrStdout(), "layer %d cursor prev=%d cur=%d\n", i, c.Prev, c.Cur)
			}
			for b, seq := range res.Sequences {
				fmt.Fprintf(cmd.OutOrStdout(), "batch %d: %v\n", b, seq)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.Layers, "layers", 4, "number of decoder layers")
	f.IntVar(&cfg.EmbedDim, "embed", 64, "embedding width")
	f.IntVar(&cfg.NumHeads, "heads", 4, "attention heads")
	f.IntVar(&o.Inner, "inner", 256, "feed-forward width")
	f.IntVar(&o.Vocab, "vocab", 128, "synthetic vocabulary size")
	f.IntVar(&cfg.TPSize, "tp", 1, "tensor-parallel ranks, run in process")
	f.IntVar(&cfg.RotaryDim, "rotary-dim", 16, "rotary width per head, 0 disables rotary encoding")
	f.IntVar(&cfg.MaxPositions, "max-positions", 256, "greedy cache length, raised to MAX_SEQ_LEN when larger")
	f.IntVar(&o.Batch, "batch", 1, "batch size")
	f.IntVar(&o.Beam, "beam", 1, "beam width, 1 for greedy")
	f.IntVar(&o.PromptLen, "prompt-len", 8, "synthetic prompt length")
	f.IntVar(&o.Steps, "steps", 16, "tokens to generate")
	f.Int64Var(&o.Seed, "seed", 1, "weight and prompt seed")
	f.StringVar(&act, "activation", "gelu_tanh", "feed-forward activation: gelu_tanh, relu or silu")
	f.IntVar(&int4Group, "int4-group", 0, "quantize projections to int4 with this group size")
	f.IntVar(&int4Pad, "int4-pad", 0, "store int4 output columns padded to a multiple of this")
	f.BoolVar(&fused, "fused", false, "use the fused attention kernels")
	f.StringVar(&o.Transport, "transport", "local", "tensor-parallel transport: local or flight")
	f.StringVar(&o.ReduceAddr, "reduce-addr", "", "external reduction server for --transport flight")
	f.StringVar(&metricsAddr, "metrics", ":9090", "address to serve Prometheus metrics, empty disables")
	return cmd
}

func reduceCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-reduce",
		Short: "Serve the Arrow Flight all-reduce used by multi-process tensor parallelism",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := collective.NewReduceServer(addr)
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve() }()
			logger.Log.Info("reduction server listening", "addr", srv.Addr())
			select {
			case <-cmd.Context().Done():
				logger.Log.Info("shutting down reduction server")
				srv.Shutdown()
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7070", "listen address")
	return cmd
}

type healthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	GoVersion string    `json:"go_version"`
	NumCPU    int       `json:"num_cpu"`
}

func metricsMux(started time.Time) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthStatus{
			Status:    "healthy",
			Timestamp: time.Now(),
			Uptime:    time.Since(started).Round(time.Millisecond).String(),
			GoVersion: runtime.Version(),
			NumCPU:    runtime.NumCPU(),
		})
	}
	mux.HandleFunc("/health", health)
	mux.HandleFunc("/healthz", health)
	return mux
}

func serveMetrics(addr string) func() {
	srv := &http.Server{Addr: addr, Handler: metricsMux(time.Now()), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Log.Info("metrics serving", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
