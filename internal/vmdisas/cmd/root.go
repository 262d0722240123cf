package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	pathpkg "path/filepath"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"vmdisas/internal/config"
	"vmdisas/internal/disas"
	"vmdisas/internal/tracing"
	"vmdisas/internal/ui/colorize"
	"vmdisas/internal/vmdisas/log"
)

// DefaultCount is the number of instructions listed when --count is not
// given.
const DefaultCount = 32

var (
	cfg         *config.Config
	logCloser   io.Closer
	stopTracing func(context.Context) error
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().String("syntax", "intel", "Disassembly syntax: intel, gnu or go")
	rootCmd.PersistentFlags().String("mode", "amd64", "Paging mode: real, protected, 32bit, pae or amd64")
	rootCmd.PersistentFlags().Int("cpu", 0, "Virtual CPU for the current context")
	rootCmd.PersistentFlags().Uint64("load", 0x100000, "Load address of raw images")
	rootCmd.PersistentFlags().Bool("no-symbols", false, "Do not resolve symbols")
	rootCmd.PersistentFlags().Bool("no-bytes", false, "Omit instruction bytes")
	rootCmd.PersistentFlags().Bool("no-address", false, "Omit addresses")
	rootCmd.PersistentFlags().String("otlp", "", "OTLP/HTTP endpoint to export traces to")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().BoolP("no-tui", "n", false, "Print the listing without TUI")
	rootCmd.Flags().Int("count", DefaultCount, "Number of instructions to list")

	rootCmd.AddCommand(runCmd, infoCmd, followCmd, serveCmd, schemaCmd)
}

var rootCmd = &cobra.Command{
	Use:   "vmdisas [image] [address]",
	Short: "Disassemble guest code the way a VM debugger sees it",
	Long: `vmdisas loads a guest image into a virtual machine model, boots it and
disassembles instructions through the guest's segmentation and paging.

An address is sel:offset, a flat offset or a symbol name, all offsets
in hex. Without an address the current CS:RIP of the guest is used.`,
	Example: `
# Browse the listing at the entry point
vmdisas kernel.elf

# Real mode boot sector, 16 instructions at 0000:7c00
vmdisas --mode real --load 0x7c00 -n --count 16 boot.bin 0000:7c00
  `,
	Args:              cobra.RangeArgs(1, 2),
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown(cmd.Context())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %w", err)
		}
		s, err := openSession(absPath, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		var arg string
		if len(args) > 1 {
			arg = args[1]
		}
		req, err := s.parseRequest(arg)
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetInt("count")
		if count < 1 {
			return fmt.Errorf("--count must be at least 1")
		}

		noTUI, _ := cmd.Flags().GetBool("no-tui")
		if !term.IsTerminal(os.Stdout.Fd()) {
			noTUI = true
		}
		if noTUI || !cfg.Color {
			colorize.Disable()
		}

		if noTUI {
			return printListing(cmd.Context(), cmd.OutOrStdout(), s, req, count)
		}

		program := tea.NewProgram(
			newModel(cmd.Context(), s, req, count),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			slog.Error("TUI run error", "error", err)
			return fmt.Errorf("TUI error: %w", err)
		}
		return nil
	},
}

// setup loads the configuration, installs logging and starts tracing.
func setup(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	logCloser = log.Setup(debug)

	path, _ := cmd.Flags().GetString("config")
	v, err := config.New(path)
	if err != nil {
		return err
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	if cfg, err = config.Load(v); err != nil {
		return err
	}

	stopTracing, err = tracing.Init(cmd.Context(), cfg.OTLPEndpoint)
	return err
}

func teardown(ctx context.Context) error {
	var err error
	if stopTracing != nil {
		err = stopTracing(ctx)
		stopTracing = nil
	}
	if logCloser != nil {
		logCloser.Close()
	}
	return err
}

// printListing writes count instructions starting at req. A failure ends
// the listing with its diagnostic line.
func printListing(ctx context.Context, w io.Writer, s *session, req request, count int) error {
	stream, err := s.dis.Range(ctx, req.sel, req.ptr, count, req.flags)
	for _, inst := range stream {
		fmt.Fprintln(w, colorize.Line(inst.Line, inst.Text))
	}
	if err != nil {
		if disas.IsDecodeFailure(err) && len(stream) > 0 {
			// Ran into data; what was decoded is still useful.
			fmt.Fprintf(w, "; %v\n", err)
			return nil
		}
		return err
	}
	return nil
}

func Execute() {
	// fang renders help as markdown; plain cobra keeps piped output clean.
	noTUI := false
	for _, arg := range os.Args[1:] {
		if arg == "--no-tui" || arg == "-n" {
			noTUI = true
			break
		}
	}
	if !noTUI && !term.IsTerminal(os.Stdout.Fd()) {
		noTUI = true
	}

	if noTUI {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
