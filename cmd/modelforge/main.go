package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"modelforge/internal/config"
	"modelforge/internal/lint"
	"modelforge/internal/logging"
	"modelforge/internal/model"
	"modelforge/internal/reactor"
	"modelforge/internal/source"
	"modelforge/internal/store"
	"modelforge/internal/watch"
)

var (
	// Global flags
	verbose         bool
	configPath      string
	workspace       string
	featureOverride []string

	// build / watch flags
	force bool

	// export flags
	exportSchema string
	exportFormat string

	// lint flags
	extraRuleFiles []string

	// cache flags
	historyLimit int

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "modelforge",
	Short: "modelforge - schema assembly builder",
	Long: `modelforge compiles declarative schema documents into an effective model.

Source documents are YAML statement trees. A build resolves imports and
aliases across documents, expands group embeds, grafts extensions and prunes
feature-gated content, producing one immutable effective tree per schema.
Builds are cached by source digest and can be linted with datalog rules.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		// --feature replaces every assembly's supported-feature set, like
		// the MODELFORGE_FEATURES override but per invocation.
		if cmd.Root().PersistentFlags().Changed("feature") {
			for i := range cfg.Assemblies {
				cfg.Assemblies[i].Features = append([]string{}, featureOverride...)
			}
		}
		return logging.Initialize(workspace, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// buildCmd builds assemblies into effective models
var buildCmd = &cobra.Command{
	Use:   "build [assembly...]",
	Short: "Build assemblies into effective models",
	Long: `Builds the named assemblies (all configured assemblies when none are
given). Unchanged assemblies with a clean cached outcome are skipped unless
--force is set.`,
	RunE: runBuild,
}

// lintCmd builds and then lints assemblies
var lintCmd = &cobra.Command{
	Use:   "lint [assembly...]",
	Short: "Run datalog consistency rules over the effective model",
	Long: `Builds the named assemblies and evaluates the lint rules over each
effective model. Exits non-zero when any rule fires. Extra rule files can be
added with --rules on top of those listed in the configuration.`,
	RunE: runLint,
}

// exportCmd prints an assembly's effective model
var exportCmd = &cobra.Command{
	Use:   "export [assembly]",
	Short: "Print the effective model of an assembly",
	Long: `Builds the assembly and prints its effective statement trees, either
as an indented text outline or as YAML in the source document shape.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

// watchCmd rebuilds assemblies when their sources change
var watchCmd = &cobra.Command{
	Use:   "watch [assembly...]",
	Short: "Rebuild assemblies when source documents change",
	RunE:  runWatch,
}

// cacheCmd groups build cache maintenance
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the build cache",
}

var cacheHistoryCmd = &cobra.Command{
	Use:   "history [assembly]",
	Short: "Show recent build outcomes for an assembly",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheHistory,
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge [assembly...]",
	Short: "Drop cached outcomes, forcing the next build to run",
	RunE:  runCachePurge,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "modelforge.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().StringSliceVar(&featureOverride, "feature", nil,
		"Supported feature (repeatable); overrides the configured feature sets")

	buildCmd.Flags().BoolVar(&force, "force", false, "Rebuild even when the cache is fresh")
	watchCmd.Flags().BoolVar(&force, "force", false, "Rebuild even when the cache is fresh")
	exportCmd.Flags().StringVar(&exportSchema, "schema", "", "Export only the named schema")
	exportCmd.Flags().StringVar(&exportFormat, "format", "text", "Output format: text or yaml")
	lintCmd.Flags().StringSliceVar(&extraRuleFiles, "rules", nil, "Additional .mg rule files")
	cacheHistoryCmd.Flags().IntVar(&historyLimit, "limit", 10, "Number of records to show")

	cacheCmd.AddCommand(cacheHistoryCmd)
	cacheCmd.AddCommand(cachePurgeCmd)

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// selectAssemblies resolves command arguments against the configuration. No
// arguments selects every configured assembly.
func selectAssemblies(args []string) ([]config.AssemblyConfig, error) {
	if len(cfg.Assemblies) == 0 {
		return nil, errors.New("no assemblies configured (see the assemblies section of modelforge.yaml)")
	}
	if len(args) == 0 {
		return cfg.Assemblies, nil
	}
	out := make([]config.AssemblyConfig, 0, len(args))
	for _, name := range args {
		asm, ok := cfg.Assembly(name)
		if !ok {
			return nil, fmt.Errorf("unknown assembly %q", name)
		}
		out = append(out, asm)
	}
	return out, nil
}

// openCache opens the configured build cache, or returns nil when caching is
// disabled.
func openCache() (*store.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	path := cfg.Cache.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return store.Open(path)
}

// assemblyDir resolves an assembly source directory against the workspace.
func assemblyDir(asm config.AssemblyConfig) string {
	if filepath.IsAbs(asm.Dir) {
		return asm.Dir
	}
	return filepath.Join(workspace, asm.Dir)
}

// sourcePaths lists the assembly's source files, mirroring what LoadDir will
// read, so the digest covers exactly the built documents.
func sourcePaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// buildResult is one assembly's build outcome.
type buildResult struct {
	Assembly string
	Model    *model.Model
	Skipped  bool
	Duration time.Duration
	Err      error
}

// buildAssembly loads, digests and builds one assembly, recording the
// outcome in the cache.
func buildAssembly(asm config.AssemblyConfig, cache *store.Cache, force bool) buildResult {
	res := buildResult{Assembly: asm.Name}
	start := time.Now()
	dir := assemblyDir(asm)

	paths, err := sourcePaths(dir)
	if err != nil {
		res.Err = fmt.Errorf("assembly %s: %w", asm.Name, err)
		return res
	}
	digest, err := source.DigestFiles(paths)
	if err != nil {
		res.Err = fmt.Errorf("assembly %s: %w", asm.Name, err)
		return res
	}
	if cache != nil && !force {
		fresh, err := cache.Fresh(asm.Name, digest)
		if err != nil {
			logger.Warn("cache lookup failed", zap.String("assembly", asm.Name), zap.Error(err))
		} else if fresh {
			res.Skipped = true
			return res
		}
	}

	docs, err := source.LoadDir(dir)
	if err != nil {
		res.Err = fmt.Errorf("assembly %s: %w", asm.Name, err)
		return res
	}
	session, err := reactor.NewBuildSession(reactor.Config{Features: asm.Features}, docs)
	if err != nil {
		res.Err = fmt.Errorf("assembly %s: %w", asm.Name, err)
		return res
	}
	m, err := session.Build()
	res.Duration = time.Since(start)
	if cache != nil {
		rec := store.BuildRecord{
			Assembly:  asm.Name,
			Digest:    digest,
			Status:    store.StatusOK,
			SessionID: session.ID().String(),
			Duration:  res.Duration,
		}
		if err != nil {
			rec.Status = store.StatusFailed
			rec.Errors = errorCount(err)
		}
		if rerr := cache.Record(rec); rerr != nil {
			logger.Warn("failed to record build outcome", zap.String("assembly", asm.Name), zap.Error(rerr))
		}
	}
	if err != nil {
		res.Err = fmt.Errorf("assembly %s: %w", asm.Name, err)
		return res
	}
	res.Model = m
	return res
}

func errorCount(err error) int {
	var agg *reactor.AggregateError
	if errors.As(err, &agg) {
		return len(agg.Errors)
	}
	return 1
}

// buildAll builds the selected assemblies concurrently and returns the
// results in selection order.
func buildAll(assemblies []config.AssemblyConfig, cache *store.Cache, force bool) []buildResult {
	results := make([]buildResult, len(assemblies))
	var g errgroup.Group
	g.SetLimit(4)
	for i, asm := range assemblies {
		i, asm := i, asm
		g.Go(func() error {
			results[i] = buildAssembly(asm, cache, force)
			return nil
		})
	}
	g.Wait()
	return results
}

func runBuild(cmd *cobra.Command, args []string) error {
	assemblies, err := selectAssemblies(args)
	if err != nil {
		return err
	}
	cache, err := openCache()
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	var engine *lint.Engine
	if cfg.Lint.Enabled {
		engine, err = newLintEngine(nil)
		if err != nil {
			return err
		}
	}

	failed := 0
	for _, res := range buildAll(assemblies, cache, force) {
		switch {
		case res.Err != nil:
			failed++
			fmt.Fprintln(os.Stderr, res.Err)
		case res.Skipped:
			fmt.Printf("%-20s up to date\n", res.Assembly)
		default:
			fmt.Printf("%-20s built %d schema(s) in %v\n",
				res.Assembly, len(res.Model.SchemaNames()), res.Duration.Round(time.Millisecond))
			if engine != nil {
				findings, err := engine.Check(res.Model)
				if err != nil {
					logger.Warn("lint failed", zap.String("assembly", res.Assembly), zap.Error(err))
					continue
				}
				for _, f := range findings {
					fmt.Printf("  warning: %s\n", f)
				}
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d assembly build(s) failed", failed)
	}
	return nil
}

// newLintEngine builds a lint engine with the configured rule files plus any
// extras from the command line.
func newLintEngine(extra []string) (*lint.Engine, error) {
	engine, err := lint.New()
	if err != nil {
		return nil, err
	}
	for _, path := range append(append([]string{}, cfg.Lint.RuleFiles...), extra...) {
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		if err := engine.LoadRules(path); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func runLint(cmd *cobra.Command, args []string) error {
	assemblies, err := selectAssemblies(args)
	if err != nil {
		return err
	}
	engine, err := newLintEngine(extraRuleFiles)
	if err != nil {
		return err
	}

	total := 0
	for _, res := range buildAll(assemblies, nil, true) {
		if res.Err != nil {
			return res.Err
		}
		findings, err := engine.Check(res.Model)
		if err != nil {
			return fmt.Errorf("assembly %s: %w", res.Assembly, err)
		}
		for _, f := range findings {
			fmt.Printf("%s: %s\n", res.Assembly, f)
		}
		total += len(findings)
	}
	if total > 0 {
		return fmt.Errorf("%d lint finding(s)", total)
	}
	fmt.Println("no findings")
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	asm, ok := cfg.Assembly(args[0])
	if !ok {
		return fmt.Errorf("unknown assembly %q", args[0])
	}
	res := buildAssembly(asm, nil, true)
	if res.Err != nil {
		return res.Err
	}

	names := res.Model.SchemaNames()
	if exportSchema != "" {
		if res.Model.Schema(exportSchema) == nil {
			return fmt.Errorf("no schema %q in assembly %q", exportSchema, asm.Name)
		}
		names = []string{exportSchema}
	}
	switch exportFormat {
	case "text":
		for _, name := range names {
			writeTextTree(os.Stdout, res.Model.Schema(name), 0)
		}
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		for _, name := range names {
			if err := enc.Encode(yamlTree(res.Model.Schema(name))); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown format %q (expected text or yaml)", exportFormat)
	}
	return nil
}

func writeTextTree(w *os.File, st *model.Statement, depth int) {
	fmt.Fprintf(w, "%s%s", strings.Repeat("  ", depth), st)
	if p := st.Provenance(); p != model.ProvenanceNone {
		fmt.Fprintf(w, "  [%s]", p)
	}
	fmt.Fprintln(w)
	for _, c := range st.Substatements() {
		writeTextTree(w, c, depth+1)
	}
}

// yamlStmt mirrors the source document shape so exported models round-trip
// through the loader.
type yamlStmt struct {
	Kw   string     `yaml:"kw"`
	Arg  string     `yaml:"arg,omitempty"`
	Body []yamlStmt `yaml:"body,omitempty"`
}

func yamlTree(st *model.Statement) yamlStmt {
	out := yamlStmt{Kw: st.Keyword(), Arg: st.Argument()}
	for _, c := range st.Substatements() {
		out.Body = append(out.Body, yamlTree(c))
	}
	return out
}

func runWatch(cmd *cobra.Command, args []string) error {
	assemblies, err := selectAssemblies(args)
	if err != nil {
		return err
	}
	cache, err := openCache()
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}
	debounce, err := cfg.GetDebounce()
	if err != nil {
		return err
	}

	// Initial build, then rebuild whichever assemblies own the changed
	// files. Rebuilds are serialized; the watcher keeps batching while one
	// runs.
	report := func(results []buildResult) {
		for _, res := range results {
			switch {
			case res.Err != nil:
				fmt.Fprintln(os.Stderr, res.Err)
			case res.Skipped:
				fmt.Printf("%-20s up to date\n", res.Assembly)
			default:
				fmt.Printf("%-20s built %d schema(s) in %v\n",
					res.Assembly, len(res.Model.SchemaNames()), res.Duration.Round(time.Millisecond))
			}
		}
	}
	report(buildAll(assemblies, cache, force))

	byDir := make(map[string]config.AssemblyConfig, len(assemblies))
	dirs := make([]string, 0, len(assemblies))
	for _, asm := range assemblies {
		dir := filepath.Clean(assemblyDir(asm))
		byDir[dir] = asm
		dirs = append(dirs, dir)
	}

	var rebuildMu sync.Mutex
	w, err := watch.New(dirs, debounce, func(paths []string) {
		affected := make(map[string]config.AssemblyConfig)
		for _, p := range paths {
			dir := filepath.Clean(filepath.Dir(p))
			if asm, ok := byDir[dir]; ok {
				affected[asm.Name] = asm
			}
		}
		var todo []config.AssemblyConfig
		for _, asm := range affected {
			todo = append(todo, asm)
		}
		sort.Slice(todo, func(i, j int) bool { return todo[i].Name < todo[j].Name })

		rebuildMu.Lock()
		defer rebuildMu.Unlock()
		report(buildAll(todo, cache, false))
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("watching %d assembly dir(s), press Ctrl-C to stop\n", len(dirs))
	<-ctx.Done()
	w.Stop()

	stats := w.Stats()
	logger.Info("watch session finished",
		zap.Int("rebuilds", stats.RebuildsTriggered),
		zap.Int("modified", stats.FilesModified),
		zap.Int("errors", stats.Errors))
	return nil
}

func runCacheHistory(cmd *cobra.Command, args []string) error {
	if !cfg.Cache.Enabled {
		return errors.New("build cache is disabled in the configuration")
	}
	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	records, err := cache.History(args[0], historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no build history for %q\n", args[0])
		return nil
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s  %-6s  %.12s  %v",
			rec.UpdatedAt.Format("2006-01-02 15:04:05"), rec.Status, rec.Digest,
			rec.Duration.Round(time.Millisecond))
		if rec.Errors > 0 {
			line += fmt.Sprintf("  %d error(s)", rec.Errors)
		}
		fmt.Println(line)
	}
	return nil
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	if !cfg.Cache.Enabled {
		return errors.New("build cache is disabled in the configuration")
	}
	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	names := args
	if len(names) == 0 {
		for _, asm := range cfg.Assemblies {
			names = append(names, asm.Name)
		}
	}
	for _, name := range names {
		if err := cache.Purge(name); err != nil {
			return err
		}
		fmt.Printf("purged %s\n", name)
	}
	return nil
}
