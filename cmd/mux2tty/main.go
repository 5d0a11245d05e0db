package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/mux2tty/internal/config"
	"github.com/srg/mux2tty/internal/daemonize"
	"github.com/srg/mux2tty/internal/fdio"
	"github.com/srg/mux2tty/internal/groutine"
	"github.com/srg/mux2tty/internal/muxloop"
	"github.com/srg/mux2tty/internal/netlisten"
	"github.com/srg/mux2tty/internal/pidfile"
	"github.com/srg/mux2tty/internal/ringbuf"
	"github.com/srg/mux2tty/internal/ttyio"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds a 'v' prefix if version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var cfg = config.DefaultConfig()

var (
	flagNoFork          bool
	flagVerbose         bool
	flagQuiet           bool
	flagTIUBuffering    bool
	flagPIDDir          string
	flagInitialRingSize string
	flagLogLevel        string
	flagDevPTY          bool
)

// rootCmd is the daemon's only command: unlike the multi-command CLI this
// project grew out of, mux2tty does one thing and takes its tty/baud/port
// as positional arguments.
var rootCmd = &cobra.Command{
	Use:     "mux2tty <tty> [baud] [port]",
	Short:   "Bridge one serial device to many concurrent TCP clients",
	Version: formatVersion(version),
	Long: `mux2tty bridges a single serial (tty) device to any number of
concurrent TCP clients. Bytes written by any client reach the tty as
complete, non-interleaved records, arbitrated fairly across clients; every
byte read from the tty is broadcast verbatim to every connected client.`,
	Args: cobra.RangeArgs(1, 3),
	RunE: runMux2tty,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently.
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors.
	rootCmd.SilenceErrors = true

	rootCmd.Flags().BoolVarP(&flagNoFork, "nofork", "n", false, "don't fork or daemonize")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "log only warnings and errors")
	rootCmd.Flags().BoolVar(&flagTIUBuffering, "tiu-buffering", false, "frame records on the 0x4D marker byte instead of newline")
	rootCmd.Flags().BoolVar(&cfg.FlowCtrl, "flowctrl", false, "enable hardware flow control (CRTSCTS) on the tty")
	rootCmd.Flags().StringVar(&flagPIDDir, "pid-dir", cfg.PIDDir, "directory for the PID file when daemonized")
	rootCmd.Flags().StringVar(&flagInitialRingSize, "initial-ring-size", "64B", "initial per-session ring buffer size (e.g. 64B, 4KiB)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error); overrides --verbose/--quiet")
	rootCmd.Flags().BoolVar(&flagDevPTY, "dev-pty", false, "allocate a PTY pair instead of opening <tty> as a real device")
}

func runMux2tty(cmd *cobra.Command, args []string) error {
	cfg.TTYPath = args[0]
	cfg.Port = 23000
	if len(args) >= 2 {
		if _, err := fmt.Sscanf(args[1], "%d", &cfg.Baud); err != nil {
			return fmt.Errorf("invalid baud rate %q", args[1])
		}
	}
	if len(args) >= 3 {
		if _, err := fmt.Sscanf(args[2], "%d", &cfg.Port); err != nil {
			return fmt.Errorf("invalid port %q", args[2])
		}
	}

	cfg.NoFork = flagNoFork
	cfg.PIDDir = flagPIDDir
	cfg.DevPTY = flagDevPTY
	if flagTIUBuffering {
		cfg.Mode = ringbuf.TIU
	}
	if err := parseRingSize(flagInitialRingSize, &cfg.InitialRingSize); err != nil {
		return err
	}
	cfg.LogLevel = resolveLogLevel(flagLogLevel, flagVerbose, flagQuiet)

	if !cfg.DevPTY && !ttyio.ValidBaud(cfg.Baud) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, cfg.Baud)
	}

	cmd.SilenceUsage = true

	if !cfg.NoFork && !daemonize.Detached() {
		return daemonize.Daemonize()
	}

	logger := cfg.NewLogger()

	var tty *ttyio.Tty
	var err error
	if cfg.DevPTY {
		tty, cfg.TTYPath, err = ttyio.OpenDevPTY()
	} else {
		tty, err = ttyio.Open(cfg.TTYPath, cfg.Baud, cfg.FlowCtrl)
	}
	if err != nil {
		return fmt.Errorf("open tty: %w", err)
	}
	defer tty.Restore()

	if !cfg.NoFork {
		pidPath := pidfile.Path(cfg.PIDDir, cfg.TTYPath)
		if err := pidfile.Write(pidPath); err != nil {
			return err
		}
		defer pidfile.Remove(pidPath)
	}

	listener, err := netlisten.Listen(cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	selfPipeRead, selfPipeWrite, err := newSelfPipe()
	if err != nil {
		return fmt.Errorf("create self-pipe: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	groutine.Go(ctx, "signal-watcher", func(ctx context.Context) {
		<-sigCh
		logger.Info("received shutdown signal")
		_, _ = selfPipeWrite.Write([]byte{0})
		cancel()
	})

	color.Green("mux2tty: bridging %s at %d baud, listening on :%d", cfg.TTYPath, cfg.Baud, cfg.Port)

	loop, err := muxloop.New(muxloop.Config{
		Mode:            cfg.Mode,
		InitialRingSize: cfg.InitialRingCap(),
		Logger:          logger,
	}, tty.FD, listener, selfPipeRead)
	if err != nil {
		return err
	}

	reason, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	logger.WithField("reason", reason).Info("mux2tty shutting down")
	return nil
}

func newSelfPipe() (fdio.FD, fdio.FD, error) {
	var p [2]int
	if err := syscall.Pipe2(p[:], syscall.O_NONBLOCK|syscall.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fdio.FD(p[0]), fdio.FD(p[1]), nil
}
