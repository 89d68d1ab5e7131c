package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trade-engine/series-archiver/internal/archive"
	"github.com/trade-engine/series-archiver/internal/chunkfile"
	"github.com/trade-engine/series-archiver/internal/config"
	"github.com/trade-engine/series-archiver/internal/progress"
	"github.com/trade-engine/series-archiver/internal/ratelimit"
	"github.com/trade-engine/series-archiver/internal/remote"
	"github.com/trade-engine/series-archiver/internal/report"
	"github.com/trade-engine/series-archiver/internal/scheduler"
	"github.com/trade-engine/series-archiver/pkg/schema"
)

const historyFile = "update_history.yaml"

func main() {
	configPath := flag.String("config", "config.yml", "Path to configuration file")
	root := flag.String("root", "", "Archive root (overrides config)")
	list := flag.Bool("list", false, "List archived series and exit")
	seriesArg := flag.String("series", "", "Comma-separated series identifiers to update (default: all archived)")
	freqArg := flag.String("freq", "daily", "Comma-separated frequencies: tick, minute, hour, daily")
	listen := flag.String("listen", "", "Address for the websocket progress endpoint (optional)")
	flag.Parse()

	cfg := loadConfig(*configPath)
	if *root != "" {
		cfg.Archive.Root = *root
	}

	logger, err := createLogger(cfg.Application.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	codec := chunkfile.NewCodec(logger)

	if *list {
		if err := printSeriesTable(cfg.Archive.Root, codec, logger); err != nil {
			logger.Fatal("Failed to list series", zap.Error(err))
		}
		return
	}

	selection, err := buildSelection(cfg.Archive.Root, codec, logger, *seriesArg, *freqArg)
	if err != nil {
		logger.Fatal("Invalid selection", zap.Error(err))
	}
	if len(selection) == 0 {
		fmt.Println("Nothing to update: no series selected and none found in the archive.")
		return
	}

	if err := runUpdate(cfg, codec, logger, selection, *listen); err != nil {
		logger.Fatal("Update run failed", zap.Error(err))
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadValidated(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default()
	}
	if err != nil {
		panic(err)
	}
	return cfg
}

func runUpdate(cfg *config.Config, codec *chunkfile.Codec, logger *zap.Logger, selection []schema.SeriesKey, listen string) error {
	lock := archive.NewLock(cfg.Archive.Root)
	if err := lock.Acquire("update", cfg.Archive.LockTimeout); err != nil {
		return fmt.Errorf("acquire archive lock: %w", err)
	}
	defer lock.Release()

	fetcher, err := remote.NewClient(cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("create remote client: %w", err)
	}

	var hub *progress.Hub
	var server *http.Server
	if listen != "" {
		hub = progress.NewHub(logger)
		mux := http.NewServeMux()
		mux.Handle("/ws/progress", hub)
		server = &http.Server{Addr: listen, Handler: mux}
		go func() {
			logger.Info("Progress endpoint listening", zap.String("addr", listen))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Progress server stopped", zap.Error(err))
			}
		}()
		defer func() {
			hub.Close()
			server.Close()
		}()
	}

	orch := scheduler.New(scheduler.Config{
		Root:    cfg.Archive.Root,
		Codec:   codec,
		Fetcher: fetcher,
		Limiter: ratelimit.New(cfg.RateLimit, logger),
		Logger:  logger,
		Progress: func(ev schema.ProgressEvent) {
			if hub != nil {
				hub.Broadcast(ev)
			}
			if ev.Phase == schema.PhaseFetching {
				fmt.Printf("%s/%s  %s .. %s  fetching\n",
					ev.Frequency, ev.SeriesID,
					ev.Start.Format(time.RFC3339), ev.End.Format(time.RFC3339))
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := orch.Start(ctx, selection)
	logger.Info("Update run started",
		zap.String("run_id", run.ID()),
		zap.Int("series", len(selection)))

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, cancelling after in-flight task",
			zap.String("signal", sig.String()))
		run.Cancel()
		<-signalChan
		logger.Warn("Second signal, exiting immediately")
		os.Exit(1)
	}()

	runErr := run.Wait()
	saveHistory(cfg.Archive.Root, run, logger)
	printSummary(run)

	if run.State() == schema.RunFailed {
		return runErr
	}
	return nil
}

func buildSelection(root string, codec *chunkfile.Codec, logger *zap.Logger, seriesArg, freqArg string) ([]schema.SeriesKey, error) {
	var freqs []schema.Frequency
	for _, f := range strings.Split(freqArg, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		freq := schema.Frequency(f)
		if !freq.Valid() {
			return nil, fmt.Errorf("unknown frequency %q", f)
		}
		freqs = append(freqs, freq)
	}

	if seriesArg != "" {
		var selection []schema.SeriesKey
		for _, id := range strings.Split(seriesArg, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			for _, freq := range freqs {
				selection = append(selection, schema.SeriesKey{SeriesID: id, Frequency: freq})
			}
		}
		return selection, nil
	}

	// Update All: every series already present in the archive at the
	// requested frequencies.
	infos, err := archive.ListSelectableSeries(root, codec, logger)
	if err != nil {
		return nil, err
	}
	wanted := make(map[schema.Frequency]bool, len(freqs))
	for _, freq := range freqs {
		wanted[freq] = true
	}
	var selection []schema.SeriesKey
	for _, info := range infos {
		if wanted[info.Key.Frequency] {
			selection = append(selection, info.Key)
		}
	}
	return selection, nil
}

func printSeriesTable(root string, codec *chunkfile.Codec, logger *zap.Logger) error {
	infos, err := archive.ListSelectableSeries(root, codec, logger)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("Archive is empty.")
		return nil
	}

	fmt.Printf("%-10s %-20s %s\n", "FREQ", "SERIES", "RANGE")
	for _, info := range infos {
		rangeText := "no data"
		if info.HasData {
			rangeText = fmt.Sprintf("%s to %s",
				info.First.Format("2006-01-02"), info.Last.Format("2006-01-02"))
		}
		fmt.Printf("%-10s %-20s %s\n", info.Key.Frequency, info.Key.SeriesID, rangeText)
	}
	return nil
}

func saveHistory(root string, run *scheduler.Run, logger *zap.Logger) {
	path := filepath.Join(root, historyFile)
	history, err := report.Load(path)
	if err != nil {
		logger.Warn("Failed to load run history", zap.Error(err))
		history, _ = report.Load("")
	}

	now := time.Now().UTC()
	for key, outcome := range run.Outcomes() {
		history.Record(key, report.Outcome{
			RunID:     run.ID(),
			LastRun:   now,
			Committed: outcome.Committed,
			Skipped:   outcome.Skipped,
			Failed:    outcome.Failed,
		})
	}
	if err := history.Save(path); err != nil {
		logger.Warn("Failed to save run history", zap.Error(err))
	}
}

func printSummary(run *scheduler.Run) {
	var committed, skipped, failed int
	for _, outcome := range run.Outcomes() {
		committed += outcome.Committed
		skipped += outcome.Skipped
		failed += outcome.Failed
	}
	fmt.Printf("Run %s: %s (%d committed, %d skipped, %d failed)\n",
		run.ID(), run.State(), committed, skipped, failed)
}

func createLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	case "warn":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg = zap.NewProductionConfig()
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}
