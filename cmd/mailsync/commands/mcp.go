package commands

import (
	"context"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/mailsync/internal/flush"
	"github.com/roasbeef/mailsync/internal/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the index as MCP tools over stdio",
	Long: `Run a Model Context Protocol server on stdin and stdout. Agents can
search threads, read them and queue tag changes. Queued changes are
committed by the flush tool, or periodically when flush.auto_interval is
set.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := ensureIndex(ctx); err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if err := ensureQueries(ctx, s.gw); err != nil {
		return err
	}

	// The server owns its scheduler so locked flushes are retried in the
	// background instead of blocking a tool call.
	s.sched.Stop()
	s.sched = flush.New(s.gw, s.hub, cfg.FlushSchedulerConfig())
	s.sched.Start(ctx)

	if cfg.Metrics.Addr != "" {
		go func() {
			err := s.metrics.Serve(ctx, cfg.Metrics.Addr)
			if err != nil {
				log.WarnS(ctx, "Metrics listener stopped", err,
					"addr", cfg.Metrics.Addr)
			}
		}()
	}

	server := mcp.NewServer(mcp.Config{
		Gateway:     s.gw,
		Flusher:     s.sched,
		DefaultSort: cfg.Search.DefaultSort,
		BufferSize:  cfg.Search.BufferSize,
		Metrics:     s.metrics,
	})

	if err := server.Run(ctx, &sdkmcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	// Commit what the client queued but never flushed.
	if s.gw.PendingWrites() > 0 {
		if _, err := s.sched.Flush(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}

	return nil
}
