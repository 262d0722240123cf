package cmd

import (
	"context"
	"fmt"
	"os"
	pathpkg "path/filepath"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"vmdisas/internal/guest"
	"vmdisas/internal/vmdisas/styles"
)

var infoCmd = &cobra.Command{
	Use:   "info [image]",
	Short: "Summarize a booted guest image",
	Long: `Load and boot an image, then print its memory map, descriptor table,
symbols and the code at the entry point as a markdown report.`,
	Args: cobra.ExactArgs(1),
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

		maxSyms, _ := cmd.Flags().GetInt("symbols")
		markdown := infoMarkdown(cmd.Context(), s, maxSyms)

		if !term.IsTerminal(os.Stdout.Fd()) {
			fmt.Fprint(cmd.OutOrStdout(), markdown)
			return nil
		}
		width := 80
		if w, _, err := term.GetSize(os.Stdout.Fd()); err == nil && w > 0 {
			width = w
		}
		fmt.Fprint(cmd.OutOrStdout(), styles.Render(markdown, width-2))
		return nil
	},
}

func init() {
	infoCmd.Flags().Int("symbols", 20, "Number of symbols to list")
}

func imageKind(s *session) string {
	switch {
	case s.image == nil:
		return "raw"
	case s.image.Is64:
		return "ELF64"
	}
	return "ELF32"
}

func infoMarkdown(ctx context.Context, s *session, maxSyms int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", pathpkg.Base(s.path))
	fmt.Fprintf(&b, "- kind `%s`\n", imageKind(s))
	fmt.Fprintf(&b, "- mode `%s`\n", s.vm.Mode())
	fmt.Fprintf(&b, "- entry `%#x`\n\n", s.entry)

	b.WriteString("## Memory\n\n| region | start | size |\n|---|---|---|\n")
	for _, region := range s.vm.Mem.Regions() {
		fmt.Fprintf(&b, "| %s | `%#x` | `%#x` |\n", pathpkg.Base(region.Name), uint64(region.Start), region.Size)
	}
	b.WriteString("\n")

	if s.vm.Mode() != guest.ModeReal {
		b.WriteString("## Descriptors\n\n| sel | base | limit | type | dpl | bits |\n|---|---|---|---|---|---|\n")
		for i := 1; i < s.vm.GDT().Len(); i++ {
			sel := uint16(i) << guest.SelectorShift
			desc, err := s.vm.LookupSelector(sel)
			if err != nil {
				continue
			}
			bits := 16
			switch {
			case desc.L != 0:
				bits = 64
			case desc.Db != 0:
				bits = 32
			}
			fmt.Fprintf(&b, "| `%04x` | `%#x` | `%#x` | `%#x` | %d | %d |\n", sel, desc.Base, desc.Limit, desc.Type, desc.Dpl, bits)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Entry\n\n```\n")
	req, _ := s.parseRequest("")
	stream, err := s.dis.Range(ctx, req.sel, req.ptr, 8, req.flags)
	for _, inst := range stream {
		b.WriteString(inst.Line)
		b.WriteByte('\n')
	}
	if err != nil {
		fmt.Fprintf(&b, "; %v\n", err)
	}
	b.WriteString("```\n")

	syms := s.syms.Symbols()
	if len(syms) > 0 {
		fmt.Fprintf(&b, "\n## Symbols (%d)\n\n", len(syms))
		for i, sym := range syms {
			if i == maxSyms {
				fmt.Fprintf(&b, "- ... %d more\n", len(syms)-maxSyms)
				break
			}
			fmt.Fprintf(&b, "- `%016x` %s\n", sym.Addr, sym.Demangled)
		}
	}
	return b.String()
}
