// Package mcp exposes the mail index to agents as Model Context Protocol
// tools.
package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/mailsync/internal/build"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/metrics"
	"github.com/roasbeef/mailsync/internal/query"
	"github.com/roasbeef/mailsync/internal/search"
)

const (
	// DefaultPageSize is the number of threads returned by search_threads
	// when no limit is given.
	DefaultPageSize = 25

	// MaxPageSize caps the limit of search_threads.
	MaxPageSize = 500
)

// Flusher commits queued mutations. The flush scheduler and the gateway
// both implement it.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Config holds the dependencies of the server.
type Config struct {
	// Gateway is the index gateway. Required.
	Gateway *maildb.Gateway

	// Flusher commits the write queue. It defaults to the gateway.
	Flusher Flusher

	// DefaultSort orders search results when the caller gives no sort.
	DefaultSort query.Sort

	// BufferSize is the result channel capacity of each search.
	BufferSize int

	// Metrics optionally records search activity.
	Metrics *metrics.Collectors
}

// Server wraps the MCP server with the index gateway.
type Server struct {
	server *mcp.Server

	gw       *maildb.Gateway
	flusher  Flusher
	searches *search.Pipeline[maildb.ThreadSummary]
	sort     query.Sort
}

// NewServer creates a server with every tool registered.
func NewServer(cfg Config) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "mailsync",
		Version: build.Version(),
	}, nil)

	flusher := cfg.Flusher
	if flusher == nil {
		flusher = cfg.Gateway
	}

	s := &Server{
		server:  mcpServer,
		gw:      cfg.Gateway,
		flusher: flusher,
		searches: search.NewPipeline[maildb.ThreadSummary](
			cfg.Gateway,
			search.WithBufferSize(cfg.BufferSize),
			search.WithMetrics(cfg.Metrics),
		),
		sort: cfg.DefaultSort,
	}
	s.registerTools()

	return s
}

// Run serves the tools on transport until ctx is canceled or the client
// disconnects. Running searches are terminated on return.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	defer s.searches.TerminateAll()

	log.InfoS(ctx, "MCP server starting")

	return s.server.Run(ctx, transport)
}

func (s *Server) registerTools() {
	// Reads.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "count_messages",
		Description: "Count the messages and threads matching a query",
	}, s.handleCountMessages)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "search_threads",
		Description: "Search threads matching a query, one page at a " +
			"time",
	}, s.handleSearchThreads)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "show_thread",
		Description: "Show the messages of a thread as a reply tree",
	}, s.handleShowThread)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_tags",
		Description: "List every tag in the index",
	}, s.handleListTags)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_queries",
		Description: "List the saved named queries",
	}, s.handleListQueries)

	// Writes.
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "tag_threads",
		Description: "Queue tag changes on every message matching a " +
			"query",
	}, s.handleTagThreads)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "flush",
		Description: "Commit the queued changes to the index",
	}, s.handleFlush)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "queue_status",
		Description: "Show the changes waiting to be committed",
	}, s.handleQueueStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "drop_head",
		Description: "Discard the change at the head of the queue when " +
			"it keeps failing to commit",
	}, s.handleDropHead)
}
