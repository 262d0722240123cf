package cmd

import (
	"bytes"
	"fmt"
	pathpkg "path/filepath"

	"github.com/spf13/cobra"

	"vmdisas/internal/disas"
)

// lineSize is the output buffer handed to InstrEx.
const lineSize = 256

var runCmd = &cobra.Command{
	Use:   "run [image] [address]",
	Short: "Disassemble a single instruction and exit",
	Long: `Disassemble one instruction non-interactively. The exit status is 1
when the address cannot be resolved, read or decoded; the diagnostic line
is printed either way.`,
	Example: `
# Current CS:RIP of the booted guest
vmdisas run kernel.elf

# Log the line instead of printing it
vmdisas run --log --prefix boot kernel.elf 0010:00100000
  `,
	Args: cobra.RangeArgs(1, 2),
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

		if toLog, _ := cmd.Flags().GetBool("log"); toLog {
			if req.flags&disas.CurrentGuest != 0 {
				prefix, _ := cmd.Flags().GetString("prefix")
				return s.dis.InstrCurrentLog(cmd.Context(), prefix)
			}
			return s.dis.InstrLog(cmd.Context(), req.sel, req.ptr)
		}

		out := make([]byte, lineSize)
		_, err = s.dis.InstrEx(cmd.Context(), req.sel, req.ptr, req.flags, out)
		fmt.Fprintln(cmd.OutOrStdout(), string(out[:bytes.IndexByte(out, 0)]))
		if err != nil {
			cmd.SilenceUsage = true
		}
		return err
	},
}

func init() {
	runCmd.Flags().Bool("log", false, "Log the line instead of printing it")
	runCmd.Flags().String("prefix", "", "Prefix logged with the current instruction (with --log)")
}
