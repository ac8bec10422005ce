package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-crossbar/internal/config"
	"github.com/23skdu/longbow-crossbar/internal/cpu"
	"github.com/23skdu/longbow-crossbar/internal/logger"
	"github.com/23skdu/longbow-crossbar/internal/model"
	"github.com/23skdu/longbow-crossbar/internal/monitoring"
	"github.com/23skdu/longbow-crossbar/internal/power"
	"github.com/23skdu/longbow-crossbar/internal/report"
)

var (
	configPath  = flag.String("config", "", "Path to JSON network config")
	warmup      = flag.Int("warmup", -1, "Training forward passes before evaluation (overrides config)")
	evalSteps   = flag.Int("eval", 1, "Evaluation forward passes with power tracking")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics (overrides config)")
	reportPath  = flag.String("report", "", "Arrow IPC file to write the power report to (overrides config)")
	flightAddr  = flag.String("flight", "", "Arrow Flight server to push the power report to (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
)

func main() {
	flag.Parse()

	if *configPath == "" {
		fmt.Println("Error: --config flag is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg)
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	exitCode := 0
	defer func() { os.Exit(exitCode) }()

	monitor := monitoring.NewHealthMonitor()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := monitor.Start(cfg.MetricsAddr); err != nil && err != http.ErrServerClosed {
				logger.Log.Error("health monitor error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			monitor.Stop(ctx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- run(cfg, monitor)
	}()

	select {
	case err := <-doneChan:
		if err != nil {
			logger.Log.Error("run failed", "error", err)
			exitCode = 1
		}
	case <-sigChan:
		logger.Log.Info("interrupt received, shutting down")
	}
}

func applyFlags(cfg *config.Config) {
	if *warmup >= 0 {
		cfg.WarmupSteps = *warmup
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *reportPath != "" {
		cfg.ReportPath = *reportPath
	}
	if *flightAddr != "" {
		cfg.FlightAddr = *flightAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
}

func run(cfg config.Config, monitor *monitoring.HealthMonitor) error {
	stack, err := model.New(cfg)
	if err != nil {
		return err
	}
	monitor.SetLayers(len(stack.Layers()))
	rng := rand.New(rand.NewSource(cfg.Seed))
	acc := &power.Accumulator{}
	var rows []report.Row

	start := time.Now()
	stack.Train()
	for i := 0; i < cfg.WarmupSteps; i++ {
		if err := step(stack, rng, acc, monitor, true); err != nil {
			return err
		}
		rows = append(rows, stack.Rows()...)
	}
	logger.Log.Info("warmup complete",
		"steps", cfg.WarmupSteps,
		"training_power", acc.Total(),
		"duration", time.Since(start).String(),
	)

	trainTotal := acc.Total()
	start = time.Now()
	stack.Eval()
	for i := 0; i < *evalSteps; i++ {
		if err := step(stack, rng, acc, monitor, false); err != nil {
			return err
		}
		rows = append(rows, stack.Rows()...)
	}
	for _, l := range stack.Layers() {
		logger.Log.Info("layer state",
			"layer", l.Name(),
			"input_estimate", l.InputEstimate(),
			"output_estimate", l.OutputEstimate(),
			"last_power", l.LastPower(),
		)
	}
	logger.Log.Info("evaluation complete",
		"steps", *evalSteps,
		"eval_power", acc.Total()-trainTotal,
		"total_power", acc.Total(),
		"duration", time.Since(start).String(),
	)

	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, rows); err != nil {
			return err
		}
		logger.Log.Info("report written", "path", cfg.ReportPath, "rows", len(rows))
	}
	if cfg.FlightAddr != "" {
		ctx := context.Background()
		exp := report.NewFlightExporter(cfg.FlightAddr)
		if err := exp.Connect(ctx); err != nil {
			return err
		}
		defer exp.Close()
		if err := exp.Export(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

func step(stack *model.Stack, rng *rand.Rand, acc *power.Accumulator, monitor *monitoring.HealthMonitor, training bool) error {
	start := time.Now()
	if _, err := stack.Forward(syntheticInput(rng, stack.InputShape()), acc); err != nil {
		return err
	}
	monitor.RecordStep(monitoring.StepPoint{
		Step:       stack.Step(),
		Training:   training,
		Duration:   time.Since(start),
		TotalPower: acc.Total(),
	})
	return nil
}

// syntheticInput draws uniform values in [0, 1) so activation_in inputs
// stay non-negative.
func syntheticInput(rng *rand.Rand, shape cpu.Shape) *cpu.Tensor {
	x := cpu.Zeros(shape)
	for i := range x.Data() {
		x.Data()[i] = rng.Float64()
	}
	return x
}

func writeReport(path string, rows []report.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := report.WriteIPC(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
