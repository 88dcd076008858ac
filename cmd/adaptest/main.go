package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/adaptest/internal/cat"
	"github.com/pavelanni/adaptest/internal/handler"
	appI18n "github.com/pavelanni/adaptest/internal/i18n"
	"github.com/pavelanni/adaptest/internal/irt"
	"github.com/pavelanni/adaptest/internal/model"
	"github.com/pavelanni/adaptest/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "adaptest",
		Short: "Computerized adaptive testing service based on item response theory",
	}

	serve := serveCmd()
	root.AddCommand(serve, calibrateCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `adaptest --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "adaptest.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addIRTFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64("irt-default-difficulty", irt.DefaultParameters.Difficulty, "Difficulty assigned to items without parameters")
	f.Float64("irt-default-discrimination", irt.DefaultParameters.Discrimination, "Discrimination assigned to items without parameters")
	f.Float64("irt-default-guessing", irt.DefaultParameters.Guessing, "Guessing assigned to items without parameters")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP testing server",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	addIRTFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("items", "i", nil, "Item parameter files, JSON or YAML (repeatable)")
	f.StringP("lang", "l", "en", "Default language for messages (en, ru)")
	f.Int("min-items", cat.DefaultPolicy.MinItems, "Minimum items before a test may terminate")
	f.Int("max-items", cat.DefaultPolicy.MaxItems, "Maximum items per test")
	f.Float64("target-se", cat.DefaultPolicy.TargetSE, "Standard error at which a test may terminate early")
	f.Int("estimator-workers", 0, "Concurrent ability estimations (0 = number of CPUs)")
	f.Int("estimator-max-iterations", irt.DefaultMaxIterations, "Optimizer iteration cap per estimate")
	f.Float64("theta-bound", irt.DefaultThetaBound, "Ability estimates are clamped to [-bound, bound]")
	f.Duration("session-retention", time.Hour, "How long finalized tests stay addressable in memory")
	f.Duration("sweep-interval", time.Minute, "Interval between eviction and token cleanup sweeps")
	f.Duration("token-ttl", store.DefaultTokenTTL, "Lifetime of issued API tokens")
	f.Int64("max-request-bytes", 1<<20, "Request body size limit")
	f.Duration("shutdown-timeout", 15*time.Second, "Grace period for in-flight requests on shutdown")
	f.String("admin-password", "", "Initial admin password (or set ADAPTEST_ADMIN_PASSWORD)")
	return cmd
}

func calibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Append response logs and recalibrate item difficulties",
		RunE:  runCalibrate,
	}
	addCommonFlags(cmd)
	addIRTFlags(cmd)
	cmd.Flags().StringSliceP("responses", "r", nil, "Response log files, JSON or YAML (repeatable)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export archived test results as JSON",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ADAPTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("adaptest")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/adaptest")
	v.AddConfigPath("/etc/adaptest")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup installs logging and returns the command's configuration.
func setup(cmd *cobra.Command) *viper.Viper {
	v := viperForCmd(cmd)
	setupLogging(v)
	return v
}

func newCatalog(v *viper.Viper) (*irt.Catalog, error) {
	return irt.NewCatalogWithDefaults(irt.Defaults{
		Difficulty:     v.GetFloat64("irt-default-difficulty"),
		Discrimination: v.GetFloat64("irt-default-discrimination"),
		Guessing:       v.GetFloat64("irt-default-guessing"),
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := setup(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if err := loadItemFiles(db, v.GetStringSlice("items")); err != nil {
		return fmt.Errorf("load items: %w", err)
	}

	catalog, err := newCatalog(v)
	if err != nil {
		return fmt.Errorf("item defaults: %w", err)
	}
	n, err := db.LoadCatalog(catalog)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	slog.Info("loaded item catalog", "items", n)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	slog.Info("loaded locales", "default", lang, "languages", appI18n.Languages())

	cfg := model.ServiceConfig{
		MinItems:          v.GetInt("min-items"),
		MaxItems:          v.GetInt("max-items"),
		TargetSE:          v.GetFloat64("target-se"),
		SessionRetention:  v.GetDuration("session-retention"),
		MaxRequestBytes:   v.GetInt64("max-request-bytes"),
		EstimatorWorkers:  v.GetInt("estimator-workers"),
		EstimatorMaxIters: v.GetInt("estimator-max-iterations"),
		TokenTTL:          v.GetDuration("token-ttl"),
	}

	engine := cat.NewEngine(catalog, cat.Config{
		Estimator: irt.NewEstimator(irt.EstimatorConfig{
			MaxIterations: cfg.EstimatorMaxIters,
			ThetaBound:    v.GetFloat64("theta-bound"),
		}),
		Workers:  cfg.EstimatorWorkers,
		Archiver: db,
	})

	h, err := handler.New(db, engine, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"lang", lang,
			"items", catalog.Len(),
			"min_items", cfg.MinItems,
			"max_items", cfg.MaxItems,
			"target_se", cfg.TargetSE,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweep(gctx, engine, db, cfg.SessionRetention, v.GetDuration("sweep-interval"))
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sweep periodically evicts finalized tests past retention and removes
// expired tokens until ctx is done.
func sweep(ctx context.Context, engine *cat.Engine, db *store.Store, retention, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := engine.EvictTerminated(retention); n > 0 {
				slog.Info("evicted finalized tests", "count", n)
			}
			if n, err := db.CleanupExpiredTokens(); err != nil {
				slog.Error("token cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("removed expired tokens", "count", n)
			}
		}
	}
}

func runCalibrate(cmd *cobra.Command, _ []string) error {
	v := setup(cmd)

	paths := v.GetStringSlice("responses")
	if len(paths) == 0 {
		return fmt.Errorf("at least one --responses file is required")
	}
	batches, err := readResponseFiles(paths)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	added := 0
	for i, records := range batches {
		if err := db.AddCalibrationResponses(records); err != nil {
			return fmt.Errorf("store responses from %s: %w", paths[i], err)
		}
		added += len(records)
	}

	all, err := db.ListCalibrationResponses()
	if err != nil {
		return fmt.Errorf("list calibration responses: %w", err)
	}
	catalog, err := newCatalog(v)
	if err != nil {
		return fmt.Errorf("item defaults: %w", err)
	}
	if _, err := db.LoadCatalog(catalog); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	items := catalog.Calibrate(all)
	if err := db.UpsertItems(items, model.SourceCalibration); err != nil {
		return fmt.Errorf("store calibrated items: %w", err)
	}
	slog.Info("calibration complete", "records_added", added, "records_total", len(all), "items", len(items))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "records added: %d, total: %d, items calibrated: %d\n", added, len(all), len(items))
	for _, p := range items {
		fmt.Fprintf(out, "%s\tdifficulty=%.4f\tdiscrimination=%.2f\tguessing=%.2f\n",
			p.ItemID, p.Difficulty, p.Discrimination, p.Guessing)
	}
	return nil
}

// readResponseFiles parses response logs concurrently. The result keeps the
// order of paths.
func readResponseFiles(paths []string) ([][]irt.CalibrationRecord, error) {
	batches := make([][]irt.CalibrationRecord, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			var records []irt.CalibrationRecord
			if err := unmarshalByExt(path, data, &records); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for j, r := range records {
				if r.ItemID == "" {
					return fmt.Errorf("parse %s: record %d has no item_id", path, j)
				}
			}
			batches[i] = records
			slog.Debug("read response log", "path", path, "records", len(records))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := setup(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportResults()
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

// unmarshalByExt decodes YAML for .yaml/.yml files and JSON otherwise.
func unmarshalByExt(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, v)
	}
}

// loadItemFiles imports item parameter files. Files whose content hash
// matches the last import are skipped; changed files are re-applied.
func loadItemFiles(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("items file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("items file changed since last import, re-applying", "path", path)
		}

		var items []irt.ItemParameters
		if err := unmarshalByExt(path, data, &items); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, p := range items {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("item in %s: %w", path, err)
			}
		}
		if err := db.UpsertItems(items, model.SourceImport); err != nil {
			return fmt.Errorf("store items from %s: %w", path, err)
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported items", "path", path, "count", len(items))
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or ADAPTEST_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
