package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	pathpkg "path/filepath"
	"strings"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"vmdisas/internal/ui/colorize"
	"vmdisas/internal/vmdisas/log"
)

var followCmd = &cobra.Command{
	Use:   "follow [image] [requests]",
	Short: "Disassemble addresses as they are appended to a file",
	Long: `Tail a file of requests, one per line, and print the instruction at
each. A request is an address optionally followed by a count. Blank lines
and lines starting with # are skipped.`,
	Example: `
# Disassemble every address a tracer writes
vmdisas follow kernel.elf /tmp/pcs.txt

# Process an existing file once and exit
vmdisas follow --once kernel.elf pcs.txt
  `,
	Args: cobra.ExactArgs(2),
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

		once, _ := cmd.Flags().GetBool("once")
		t, err := tail.TailFile(args[1], tail.Config{
			Follow:    !once,
			ReOpen:    !once,
			MustExist: once,
			Logger:    tail.DiscardingLogger,
		})
		if err != nil {
			return fmt.Errorf("tail %s: %w", args[1], err)
		}
		defer t.Cleanup()

		return follow(cmd.Context(), cmd.OutOrStdout(), s, t)
	},
}

func init() {
	followCmd.Flags().Bool("once", false, "Read the file to its end and exit")
}

func follow(ctx context.Context, w io.Writer, s *session, t *tail.Tail) (err error) {
	defer log.RecoverPanic("follow", func() {
		err = fmt.Errorf("follow aborted")
	})

	for {
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if line.Err != nil {
				slog.Warn("tail", "err", line.Err)
				continue
			}
			followLine(ctx, w, s, line.Text)
		}
	}
}

// followLine handles one request line. Failures are printed, not
// returned, so one bad address does not end the stream.
func followLine(ctx context.Context, w io.Writer, s *session, text string) {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "#") {
		return
	}

	fields := strings.Fields(text)
	count := 1
	if len(fields) > 1 {
		if _, err := fmt.Sscan(fields[1], &count); err != nil || count < 1 {
			fmt.Fprintf(w, "; %s: bad count\n", text)
			return
		}
	}
	req, err := s.parseRequest(fields[0])
	if err != nil {
		fmt.Fprintf(w, "; %s: %v\n", text, err)
		return
	}

	stream, err := s.dis.Range(ctx, req.sel, req.ptr, count, req.flags)
	for _, inst := range stream {
		fmt.Fprintln(w, colorize.Line(inst.Line, inst.Text))
	}
	if err != nil {
		fmt.Fprintf(w, "; %s: %v\n", text, err)
	}
}
