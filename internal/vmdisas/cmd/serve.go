package cmd

import (
	"fmt"
	"log/slog"
	pathpkg "path/filepath"

	"github.com/spf13/cobra"

	"vmdisas/internal/monitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve [image]",
	Short: "Serve disassembly over HTTP and websockets",
	Long: `Boot an image and answer disassembly requests until interrupted.
Endpoints: /health, /disas?sel=&ptr=&count=, /metrics and /ws.`,
	Example: `
vmdisas serve --listen 127.0.0.1:8888 kernel.elf
curl '127.0.0.1:8888/disas?sel=10&ptr=100000&count=4'
  `,
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

		srv := monitor.New(s.dis, cfg.DisasFlags(), slog.Default())
		return srv.ListenAndServe(cmd.Context(), cfg.Listen)
	},
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8888", "Listen address")
}
