package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"reidcontinual/internal/checkpoint"
	"reidcontinual/internal/config"
	"reidcontinual/internal/model"
	"reidcontinual/internal/report"
	"reidcontinual/internal/stats"
	"reidcontinual/internal/storage"
	"reidcontinual/internal/trainer"
)

const (
	defaultConfigPath = "reid.yaml"
	exportsDir        = "exports"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "pretrain":
		return runTraining(ctx, model.StagePretrain, args[1:])
	case "train":
		return runTraining(ctx, model.StageContinual, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "best":
		return runBest(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// storeFlags are shared by every command touching the checkpoint store.
type storeFlags struct {
	configPath *string
	store      *string
	path       *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		configPath: fs.String("config", "", "YAML config file (defaults when empty)"),
		store:      fs.String("store", "", "store backend override: memory|file|sqlite"),
		path:       fs.String("path", "", "store path override"),
	}
}

func (f storeFlags) load() (config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if *f.store != "" {
		cfg.Saver.Store = *f.store
	}
	if *f.path != "" {
		cfg.Saver.Path = *f.path
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	store, err := storage.NewStore(cfg.Saver.Store, cfg.Saver.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}
	return store, nil
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	out := fs.String("config", defaultConfigPath, "where to write the default config")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *out)
	}
	cfg := config.Default()
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	fmt.Printf("initialized config=%s store=%s path=%s\n", *out, cfg.Saver.Store, cfg.Saver.Path)
	return nil
}

func runTraining(ctx context.Context, stage string, args []string) error {
	fs := flag.NewFlagSet(stage, flag.ContinueOnError)
	sf := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id (generated when empty)")
	sourceRun := fs.String("source-run", "", "run whose best checkpoint is the teacher (train only)")
	resume := fs.Bool("resume", false, "continue from the newest periodic checkpoint of --run-id")
	epochs := fs.Int("epochs", 0, "override train.max_epochs")
	logLevel := fs.String("log-level", "", "override log.level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}
	if *epochs > 0 {
		cfg.Train.MaxEpochs = *epochs
	}
	if *resume {
		if *runID == "" {
			return errors.New("--resume requires --run-id")
		}
		cfg.Train.Resume = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if stage == model.StagePretrain && *sourceRun != "" {
		return errors.New("--source-run only applies to train")
	}
	if *runID == "" {
		*runID = uuid.NewString()
	}

	level, err := report.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := report.NewSlogReporter(level, report.ResolveFormat(cfg.Log.Format, os.Stderr), os.Stderr).
		With("run_id", *runID, "stage", stage)
	series := stats.NewSeriesRecorder()
	reporter := report.Tee(logger, series)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	deps := trainer.Deps{Store: store, RunID: *runID, Reporter: reporter}
	var session *trainer.Continual
	if stage == model.StagePretrain {
		session, err = trainer.NewPretrain(cfg, deps)
	} else {
		session, err = trainer.NewContinual(ctx, cfg, deps, *sourceRun)
	}
	if err != nil {
		return err
	}

	startedAt := time.Now().UTC()
	if err := session.Run(ctx); err != nil {
		return err
	}

	runDir, err := artifactDir(cfg.Saver.ArtifactsDir, *runID, startedAt)
	if err != nil {
		return err
	}
	rec, _, err := store.GetRun(ctx, *runID)
	if err != nil {
		return err
	}
	if err := writeArtifacts(cfg, runDir, rec, session, series, startedAt); err != nil {
		return err
	}

	fmt.Printf("run_id=%s stage=%s best=%s artifacts=%s\n", *runID, stage, formatBest(rec.BestResult), filepath.Clean(runDir))
	return nil
}

// artifactDir reuses the directory of a resumed run.
func artifactDir(baseDir, runID string, startedAt time.Time) (string, error) {
	dir, ok, err := stats.FindRunDir(baseDir, runID)
	if err != nil {
		return "", err
	}
	if ok {
		return dir, nil
	}
	return filepath.Join(baseDir, stats.RunDirName(runID, startedAt)), nil
}

func writeArtifacts(cfg config.Config, runDir string, rec model.RunRecord, session *trainer.Continual, series *stats.SeriesRecorder, startedAt time.Time) error {
	snapshot, err := cfg.Marshal()
	if err != nil {
		return err
	}
	st := session.Engine().RunState()
	if err := stats.WriteRunArtifacts(runDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:        rec.ID,
			Stage:        rec.Stage,
			Dataset:      rec.Dataset,
			SourceRunID:  rec.SourceRunID,
			MaxEpochs:    cfg.Train.MaxEpochs,
			Losses:       session.Component().Loss.Names(),
			Store:        cfg.Saver.Store,
			StartedAtUTC: startedAt.Format(time.RFC3339),
		},
		ConfigYAML: snapshot,
		History:    session.History(),
		Summary: stats.RunSummary{
			Epochs:         st.Epoch,
			Iterations:     st.Iteration,
			BestResult:     rec.BestResult,
			BestEpoch:      rec.BestEpoch,
			CompletedAtUTC: time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return err
	}
	if err := series.WriteSeries(runDir); err != nil {
		return err
	}
	return stats.AppendRunIndex(cfg.Saver.ArtifactsDir, stats.RunIndexEntry{
		RunID:        rec.ID,
		Stage:        rec.Stage,
		Dataset:      rec.Dataset,
		Dir:          filepath.Base(runDir),
		BestResult:   rec.BestResult,
		CreatedAtUTC: rec.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	jsonOut := fs.Bool("json", false, "emit checkpoints as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("checkpoints requires --run-id")
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	var records []model.CheckpointRecord
	for _, slot := range []model.Slot{model.SlotPeriodic, model.SlotBest} {
		list, err := store.ListCheckpoints(ctx, *runID, slot)
		if err != nil {
			return err
		}
		records = append(records, list...)
	}
	if *jsonOut {
		type checkpointItem struct {
			Name      string     `json:"name"`
			Slot      model.Slot `json:"slot"`
			Epoch     int        `json:"epoch"`
			Iteration int        `json:"iteration"`
			Score     float64    `json:"score"`
			Size      int        `json:"size_bytes"`
			CreatedAt string     `json:"created_at_utc"`
		}
		items := make([]checkpointItem, 0, len(records))
		for _, r := range records {
			items = append(items, checkpointItem{
				Name:      r.Name,
				Slot:      r.Slot,
				Epoch:     r.Epoch,
				Iteration: r.Iteration,
				Score:     r.Score,
				Size:      r.Size(),
				CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	if len(records) == 0 {
		fmt.Println("no checkpoints found")
		return nil
	}
	for _, r := range records {
		fmt.Printf("name=%s slot=%s epoch=%d iteration=%d score=%.4f size=%s\n",
			r.Name, r.Slot, r.Epoch, r.Iteration, r.Score, report.Bytes(r.Size()))
	}
	return nil
}

func runBest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("best", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("best requires --run-id")
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	rec, ok, err := store.GetRun(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run not found: %s", *runID)
	}
	best, err := checkpoint.Find(ctx, store, *runID, true)
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%s stage=%s dataset=%s best=%s best_epoch=%d checkpoint=%s iteration=%d\n",
		rec.ID, rec.Stage, rec.Dataset, formatBest(rec.BestResult), rec.BestEpoch, best.Name, best.Iteration)
	return nil
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}

	entries, err := stats.ListRunIndex(cfg.Saver.ArtifactsDir)
	if err != nil {
		return err
	}
	if len(entries) > *limit {
		entries = entries[:*limit]
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("run_id=%s created_at=%s stage=%s dataset=%s best=%s dir=%s\n",
			e.RunID, e.CreatedAtUTC, e.Stage, e.Dataset, formatBest(e.BestResult), e.Dir)
	}
	return nil
}

func runExport(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}
	if *latest {
		entries, err := stats.ListRunIndex(cfg.Saver.ArtifactsDir)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return errors.New("no runs available to export")
		}
		*runID = entries[0].RunID
	}

	runDir, ok, err := stats.FindRunDir(cfg.Saver.ArtifactsDir, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run not indexed: %s", *runID)
	}
	exportedDir, err := stats.ExportRunArtifacts(runDir, *outDir)
	if err != nil {
		return err
	}

	fmt.Printf("exported run_id=%s to=%s\n", *runID, filepath.Clean(exportedDir))
	return nil
}

func formatBest(best *float64) string {
	if best == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", *best)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: reidctl <init|pretrain|train|checkpoints|best|runs|export> [flags]", msg)
}
