package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/larsgrefer/classgraph/api"
	"github.com/larsgrefer/classgraph/internal/container"
	"github.com/larsgrefer/classgraph/internal/graph"
	"github.com/larsgrefer/classgraph/internal/scan"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	workers      int
	chunkSize    int
	suffix       string
	dbPath       string
	jsonOutput   bool
	discoverOnly bool
	bestEffort   bool
	keepTemp     bool
	denyPaths    []string
	verbose      bool
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to an HCL policy file")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Parallel workers per phase (default: CPU count)")
	rootCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Target records per parse chunk")
	rootCmd.Flags().StringVar(&suffix, "suffix", "", "Record filename suffix to match (default .class)")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "Write the class graph to a SQLite database at this path")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the class graph as JSON")
	rootCmd.Flags().BoolVar(&discoverOnly, "discover-only", false, "Resolve and order containers without scanning their contents")
	rootCmd.Flags().BoolVar(&bestEffort, "best-effort", false, "Continue past unreadable containers and report them at the end")
	rootCmd.Flags().BoolVar(&keepTemp, "keep-temp", false, "Keep extracted nested archives on disk")
	rootCmd.Flags().StringSliceVar(&denyPaths, "deny", nil, "Container path patterns to exclude (repeatable)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

var rootCmd = &cobra.Command{
	Use:   "classgraph [path...]",
	Short: "Scan directories and archives for class records and link them into a graph",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
		if verbose {
			logger.SetLevel(log.DebugLevel)
		}

		pol, err := loadPolicy()
		if err != nil {
			return err
		}

		refs := make([]container.Ref, len(args))
		for i, a := range args {
			refs[i] = container.Ref{Path: a}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := scan.New(osfs.New("/"), pol, logger)
		g, err := s.Scan(ctx, refs)
		if err != nil {
			return err
		}

		for c, ferr := range g.Failures {
			logger.Warn("container skipped", "container", c, "err", ferr)
		}

		if dbPath != "" {
			if err := writeDatabase(dbPath, g); err != nil {
				return err
			}
			logger.Info("database written", "path", dbPath, "classes", len(g.Nodes))
		}

		if jsonOutput {
			out, err := oj.Marshal(g, 2)
			if err != nil {
				return fmt.Errorf("encode graph: %w", err)
			}
			fmt.Println(string(out))
			return nil
		}

		if discoverOnly || !pol.ScanFiles {
			for _, p := range g.Order {
				fmt.Println(p)
			}
			return nil
		}
		fmt.Printf("%d containers, %d classes\n", len(g.Order), len(g.Nodes))
		return nil
	},
}

// loadPolicy builds the effective policy: defaults, then the config
// file, then explicit flags on top.
func loadPolicy() (*api.Policy, error) {
	pol := api.Default()
	if configPath != "" {
		var err error
		pol, err = api.LoadPolicy(configPath)
		if err != nil {
			return nil, err
		}
	}
	if workers > 0 {
		pol.Workers = workers
	}
	if chunkSize > 0 {
		pol.ChunkSize = chunkSize
	}
	if suffix != "" {
		pol.MatchSuffix = suffix
	}
	if discoverOnly {
		pol.ScanFiles = false
	}
	if bestEffort {
		pol.BestEffort = true
	}
	if keepTemp {
		pol.KeepTempFiles = true
	}
	pol.DenyPaths = append(pol.DenyPaths, denyPaths...)
	return pol, nil
}

func writeDatabase(path string, g *graph.Graph) error {
	_ = os.Remove(path)
	w, err := graph.NewSQLiteWriter(path)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	return w.WriteGraph(g)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
