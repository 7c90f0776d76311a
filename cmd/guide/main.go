package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/concord-consortium/guide-server/internal/catalog"
	"github.com/concord-consortium/guide-server/internal/genetics"
	"github.com/concord-consortium/guide-server/internal/handler"
	appI18n "github.com/concord-consortium/guide-server/internal/i18n"
	"github.com/concord-consortium/guide-server/internal/model"
	"github.com/concord-consortium/guide-server/internal/sheets"
	"github.com/concord-consortium/guide-server/internal/store"
	"github.com/concord-consortium/guide-server/internal/tutor"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "guide",
		Short: "Intelligent tutoring server for genetics challenges",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), resetStudentCmd(), clearCacheCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `guide --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "guide.db", "SQLite database path")
	f.String("env-file", "", "Load environment variables from a dotenv file")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addSheetFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("sheet-url", sheets.DefaultURLTemplate, "CSV export URL template; {id} is replaced by the sheet id")
	f.String("redis-url", "", "Redis URL for the sheet cache (empty = directory cache)")
	f.String("cache-dir", "sheet-cache", "Directory for the sheet cache when Redis is not configured")
	f.Duration("cache-ttl", 24*time.Hour, "Lifetime of cached sheets (0 = no expiry)")
	f.Duration("fetch-timeout", 30*time.Second, "Timeout for fetching one sheet")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the guide protocol server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("groups", "g", nil, "Paths to group YAML files (repeatable)")
	f.StringP("lang", "l", "en", "Default dialog language")
	f.String("species-dir", "", "Directory with additional species YAML files")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /guide)")
	f.StringSlice("origins", []string{"*"}, "Allowed websocket origin patterns")
	addSheetFlags(cmd)
	addCommonFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export student concept models as JSON",
		RunE:  runExport,
	}
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(cmd)
	return cmd
}

func resetStudentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-student <student-id>...",
		Short: "Reset the concept model of one or more students",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runResetStudent,
	}
	addCommonFlags(cmd)
	return cmd
}

func clearCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-cache <group>...",
		Short: "Drop cached rule sheets and matrices for one or more groups",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runClearCache,
	}
	addSheetFlags(cmd)
	addCommonFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

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

// loadEnvFile loads --env-file into the process environment before viper reads it.
func loadEnvFile(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GUIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("guide")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/guide")
	v.AddConfigPath("/etc/guide")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// prepare loads the env file, configures logging and returns the command's config.
func prepare(cmd *cobra.Command) (*viper.Viper, error) {
	if err := loadEnvFile(cmd); err != nil {
		return nil, err
	}
	setupLogging(cmd)
	return viperForCmd(cmd), nil
}

// newSheetSource builds the sheet fetcher and the Redis or directory cache behind it.
func newSheetSource(ctx context.Context, v *viper.Viper) (*sheets.Source, func(), error) {
	fetcher := sheets.NewHTTPFetcher(v.GetString("sheet-url"), v.GetDuration("fetch-timeout"))
	ttl := v.GetDuration("cache-ttl")

	if redisURL := v.GetString("redis-url"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis health check: %w", err)
		}
		slog.Info("sheet cache", "backend", "redis", "addr", opts.Addr, "ttl", ttl)
		return sheets.NewSource(fetcher, sheets.NewRedisCache(client, "guide:sheet:", ttl)), func() { client.Close() }, nil
	}

	cache, err := sheets.NewDirCache(v.GetString("cache-dir"), ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("create cache dir: %w", err)
	}
	slog.Info("sheet cache", "backend", "dir", "dir", v.GetString("cache-dir"), "ttl", ttl)
	return sheets.NewSource(fetcher, cache), func() {}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, err := prepare(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Import group definitions.
	if err := loadGroups(ctx, db, v.GetStringSlice("groups")); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	// Initialize dialog catalog.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// Species definitions.
	species, err := genetics.New()
	if err != nil {
		return fmt.Errorf("load species: %w", err)
	}
	if dir := v.GetString("species-dir"); dir != "" {
		if err := species.LoadDir(dir); err != nil {
			return fmt.Errorf("load species from %s: %w", dir, err)
		}
	}

	source, closeSource, err := newSheetSource(ctx, v)
	if err != nil {
		return err
	}
	defer closeSource()

	loader := catalog.New(db, source, species)
	t := tutor.New(db, loader, species, tutor.WithRegisterer(prometheus.DefaultRegisterer))
	h := handler.New(db, t, loader, v.GetStringSlice("origins"))

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())
	r.Handle("/metrics", promhttp.Handler())

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"groups", v.GetStringSlice("groups"),
		"sheet_url", v.GetString("sheet-url"),
		"base_path", basePath,
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	v, err := prepare(cmd)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportAllStudents(context.Background())
	if err != nil {
		return fmt.Errorf("export students: %w", err)
	}

	export := model.StudentExport{
		ExportedAt: time.Now().UTC(),
		Count:      len(results),
		Students:   results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
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

func runResetStudent(cmd *cobra.Command, args []string) error {
	v, err := prepare(cmd)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	for _, id := range args {
		if _, err := db.ResetStudent(context.Background(), id); err != nil {
			return fmt.Errorf("reset student %s: %w", id, err)
		}
		slog.Info("student reset", "student", id)
	}
	return nil
}

func runClearCache(cmd *cobra.Command, args []string) error {
	v, err := prepare(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	source, closeSource, err := newSheetSource(ctx, v)
	if err != nil {
		return err
	}
	defer closeSource()

	loader := catalog.New(db, source, genetics.MustNew())
	for _, name := range args {
		if err := loader.ClearCache(ctx, name); err != nil {
			return fmt.Errorf("clear cache for %s: %w", name, err)
		}
		slog.Info("cleared sheet cache", "group", name)
	}
	return nil
}
