package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"kdl/internal/config"
	"kdl/internal/engine"
	"kdl/internal/logger"
	"kdl/internal/store"
)

var (
	flagOutput         string
	flagConnections    int
	flagSegments       int
	flagMirrors        []string
	flagSha256         string
	flagResume         bool
	flagTimeout        int
	flagBandwidthLimit string
	flagUnsafeConn     int
	flagQuiet          bool
	flagVerbose        bool
	flagJSON           bool
	flagConfig         string
	flagNoHistory      bool

	flagHistoryLimit int
)

var rootCmd = &cobra.Command{
	Use:   "kdl [flags] URL [URL...]",
	Short: "Fast multi-source segmented downloader",
	Long: `kdl downloads a file over many concurrent ranged HTTP connections,
spreading requests across mirrors, persisting per-segment progress so
interrupted transfers can resume, and optionally verifying the result
against a SHA-256 digest.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDownload,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent transfers",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flagOutput, "output", "o", "", "Output file or directory")
	f.IntVarP(&flagConnections, "connections", "c", config.DefaultConnections, "Maximum connections per host")
	f.IntVarP(&flagSegments, "segments", "s", config.DefaultSegments, "Initial number of segments")
	f.StringArrayVarP(&flagMirrors, "mirror", "m", nil, "Register an additional mirror (repeatable)")
	f.StringVar(&flagSha256, "sha256", "", "Verify SHA-256 checksum (hex string or file path)")
	f.BoolVar(&flagResume, "resume", false, "Resume from an existing partial download")
	f.IntVar(&flagTimeout, "timeout", 0, "Per-request timeout in seconds")
	f.StringVar(&flagBandwidthLimit, "bandwidth-limit", "", "Limit bandwidth (e.g. 50M/s)")
	f.IntVar(&flagUnsafeConn, "unsafe-conn", 0, "Allow more than 64 connections (advanced)")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "Quiet mode")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose mode")
	f.BoolVar(&flagJSON, "json", false, "Stream progress as newline-delimited JSON")
	f.StringVar(&flagConfig, "config", "", "Config file path")
	f.BoolVar(&flagNoHistory, "no-history", false, "Skip the transfer history store")
	rootCmd.MarkFlagsMutuallyExclusive("quiet", "verbose")

	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "Number of transfers to show")
	historyCmd.Flags().StringVar(&flagConfig, "config", "", "Config file path")
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kdl:", err)
		os.Exit(1)
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	fileCfg, err := config.LoadFile(flagConfig)
	if err != nil {
		return err
	}

	// Config file and environment provide defaults; explicit flags win.
	flags := cmd.Flags()
	if !flags.Changed("connections") {
		flagConnections = fileCfg.Connections
	}
	if !flags.Changed("segments") {
		flagSegments = fileCfg.Segments
	}
	if !flags.Changed("timeout") {
		flagTimeout = fileCfg.Timeout
	}
	if !flags.Changed("bandwidth-limit") {
		flagBandwidthLimit = fileCfg.BandwidthLimit
	}

	opts, err := config.Build(config.Inputs{
		URLs:           args,
		Mirrors:        flagMirrors,
		Output:         flagOutput,
		Connections:    flagConnections,
		Segments:       flagSegments,
		UnsafeConn:     flagUnsafeConn,
		UnsafeConnSet:  flags.Changed("unsafe-conn"),
		Resume:         flagResume,
		TimeoutSecs:    flagTimeout,
		BandwidthLimit: flagBandwidthLimit,
		Sha256:         flagSha256,
		Quiet:          flagQuiet,
		Verbose:        flagVerbose,
		JSON:           flagJSON,
		History:        fileCfg.History.Enabled && !flagNoHistory,
		HistoryPath:    fileCfg.History.Path,
		LogPath:        fileCfg.Log.Path,
		LogLevel:       fileCfg.Log.Level,
	})
	if err != nil {
		return err
	}
	opts.TransferID = ksuid.New().String()

	level := logger.ParseLevel(opts.LogLevel)
	if opts.Verbose {
		level = logger.LevelDebug
	}
	if opts.Quiet {
		level = logger.LevelError
	}
	log, err := logger.New(opts.LogPath, level, true)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	// Ctrl+C cancels the context; workers drain and the part map stays
	// on disk so the download can be resumed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hist *store.Store
	if opts.History {
		hist, err = store.Open(opts.HistoryPath)
		if err != nil {
			log.Warn("history store unavailable: %v", err)
			hist = nil
		} else {
			defer hist.Close()
			if err := hist.RecordStart(ctx, &store.Transfer{
				ID:        opts.TransferID,
				URL:       opts.URLs[0].String(),
				Output:    opts.OutputPath,
				StartedAt: time.Now(),
			}); err != nil {
				log.Warn("failed to record transfer start: %v", err)
			}
		}
	}

	mgr := engine.NewManager(opts, log)
	runErr := mgr.Run(ctx)

	if hist != nil {
		status := store.StatusCompleted
		errMsg := ""
		if runErr != nil {
			status = store.StatusFailed
			errMsg = runErr.Error()
		}
		// Best effort; history must never decide the exit code.
		if err := hist.RecordFinish(context.Background(), opts.TransferID, status, mgr.BytesTransferred(), errMsg); err != nil {
			log.Warn("failed to record transfer finish: %v", err)
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("download cancelled")
		}
		return runErr
	}

	log.Info("download completed successfully (%s)", humanize.IBytes(mgr.BytesTransferred()))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	fileCfg, err := config.LoadFile(flagConfig)
	if err != nil {
		return err
	}

	hist, err := store.Open(fileCfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer hist.Close()

	transfers, err := hist.Recent(cmd.Context(), flagHistoryLimit)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		fmt.Println("no transfers recorded")
		return nil
	}

	for _, t := range transfers {
		line := fmt.Sprintf("%s  %-9s  %9s  %s",
			t.StartedAt.Local().Format("2006-01-02 15:04:05"),
			t.Status, humanize.IBytes(t.Bytes), t.Output)
		if t.Error != "" {
			line += "  (" + t.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}
