package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/query"
	"github.com/roasbeef/mailsync/internal/search"
)

// CountMessagesArgs are the arguments for the count_messages tool.
type CountMessagesArgs struct {
	Query string `json:"query" jsonschema:"Search query, for example tag:inbox and from:alice"`
}

// CountMessagesResult is the result of the count_messages tool.
type CountMessagesResult struct {
	Messages int `json:"messages"`
	Threads  int `json:"threads"`
}

func (s *Server) handleCountMessages(ctx context.Context,
	req *mcp.CallToolRequest,
	args CountMessagesArgs) (*mcp.CallToolResult, CountMessagesResult, error) {

	messages, err := s.gw.CountMessages(ctx, args.Query)
	if err != nil {
		return nil, CountMessagesResult{}, err
	}

	threads, err := s.gw.CountThreads(ctx, args.Query)
	if err != nil {
		return nil, CountMessagesResult{}, err
	}

	return nil, CountMessagesResult{
		Messages: messages,
		Threads:  threads,
	}, nil
}

// SearchThreadsArgs are the arguments for the search_threads tool.
type SearchThreadsArgs struct {
	Query string `json:"query" jsonschema:"Search query"`

	Sort string `json:"sort,omitempty" jsonschema:"Result order: newest_first, oldest_first, message_id or unsorted"`

	Offset int `json:"offset,omitempty" jsonschema:"Number of threads to skip"`

	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of threads to return, 25 when omitted"`

	// Exclude replaces the configured exclude tags when set.
	Exclude []string `json:"exclude,omitempty" jsonschema:"Tags hiding a message unless the query names them, replacing the configured list"`

	NoExclude bool `json:"no_exclude,omitempty" jsonschema:"Disable tag exclusion entirely"`
}

// ThreadResult is one thread in a listing.
type ThreadResult struct {
	ThreadID string   `json:"thread_id"`
	Subject  string   `json:"subject"`
	Authors  []string `json:"authors"`
	Newest   string   `json:"newest"`
	Messages int      `json:"messages"`
	Tags     []string `json:"tags"`
}

// SearchThreadsResult is the result of the search_threads tool.
type SearchThreadsResult struct {
	Threads []ThreadResult `json:"threads"`
	HasMore bool           `json:"has_more"`
}

func threadResult(t maildb.ThreadSummary) ThreadResult {
	return ThreadResult{
		ThreadID: t.ID,
		Subject:  t.Subject,
		Authors:  t.Authors,
		Newest:   t.Newest.UTC().Format(time.RFC3339),
		Messages: t.TotalMessages,
		Tags:     t.Tags,
	}
}

func (s *Server) handleSearchThreads(ctx context.Context,
	req *mcp.CallToolRequest,
	args SearchThreadsArgs) (*mcp.CallToolResult, SearchThreadsResult, error) {

	if _, err := query.Parse(args.Query); err != nil {
		return nil, SearchThreadsResult{}, err
	}

	sort := s.sort
	if args.Sort != "" {
		var err error
		if sort, err = query.ParseSort(args.Sort); err != nil {
			return nil, SearchThreadsResult{}, err
		}
	}

	limit := args.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	offset := max(args.Offset, 0)

	exclude := args.Exclude
	if args.NoExclude {
		exclude = []string{}
	}

	h := s.searches.StartSearch(ctx, search.Request{
		Query:   args.Query,
		Sort:    sort,
		Exclude: exclude,
	}, s.gw.Summary)

	w := search.NewWalker(h, false)
	defer w.Close()

	result := SearchThreadsResult{Threads: []ThreadResult{}}
	for i := offset; i < offset+limit; i++ {
		item := w.Get(i)
		if item.IsNone() {
			break
		}
		result.Threads = append(
			result.Threads,
			threadResult(item.UnwrapOr(maildb.ThreadSummary{})),
		)
	}
	result.HasMore = w.Get(offset + limit).IsSome()

	if err := w.Err(); err != nil {
		return nil, SearchThreadsResult{}, err
	}

	log.DebugS(ctx, "Served thread search", "query", args.Query,
		"offset", offset, "returned", len(result.Threads))

	return nil, result, nil
}

// ShowThreadArgs are the arguments for the show_thread tool.
type ShowThreadArgs struct {
	ThreadID string `json:"thread_id" jsonschema:"ID of the thread to show"`
}

// MessageResult is one message of a thread.
type MessageResult struct {
	MessageID string   `json:"message_id"`
	ParentID  string   `json:"parent_id,omitempty"`
	Depth     int      `json:"depth"`
	From      string   `json:"from"`
	Subject   string   `json:"subject"`
	Date      string   `json:"date"`
	Tags      []string `json:"tags"`
	Filename  string   `json:"filename"`
}

// ShowThreadResult is the result of the show_thread tool.
type ShowThreadResult struct {
	ThreadID string          `json:"thread_id"`
	Subject  string          `json:"subject"`
	Authors  string          `json:"authors"`
	Tags     []string        `json:"tags"`
	Messages []MessageResult `json:"messages"`
}

func (s *Server) handleShowThread(ctx context.Context,
	req *mcp.CallToolRequest,
	args ShowThreadArgs) (*mcp.CallToolResult, ShowThreadResult, error) {

	t, err := s.gw.GetThread(ctx, args.ThreadID)
	if err != nil {
		return nil, ShowThreadResult{}, err
	}

	result := ShowThreadResult{
		ThreadID: t.ID(),
		Subject:  t.Subject(),
		Authors:  t.AuthorsString(),
		Tags:     t.Tags(false),
	}

	// Messages come parents first, so a parent's depth is always known
	// by the time its replies are visited.
	depth := make(map[string]int)
	for _, m := range t.Messages() {
		d := 0
		parentID := ""
		t.Parent(m.ID).WhenSome(func(p *maildb.Message) {
			parentID = p.ID
			if pd, ok := depth[p.ID]; ok {
				d = pd + 1
			}
		})
		depth[m.ID] = d

		result.Messages = append(result.Messages, MessageResult{
			MessageID: m.ID,
			ParentID:  parentID,
			Depth:     d,
			From:      m.From,
			Subject:   m.Subject,
			Date:      m.Date.UTC().Format(time.RFC3339),
			Tags:      m.Tags(),
			Filename:  m.Filename(),
		})
	}

	return nil, result, nil
}

// ListTagsArgs are the arguments for the list_tags tool.
type ListTagsArgs struct{}

// ListTagsResult is the result of the list_tags tool.
type ListTagsResult struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleListTags(ctx context.Context,
	req *mcp.CallToolRequest,
	args ListTagsArgs) (*mcp.CallToolResult, ListTagsResult, error) {

	tags, err := s.gw.GetAllTags(ctx)
	if err != nil {
		return nil, ListTagsResult{}, err
	}
	if tags == nil {
		tags = []string{}
	}

	return nil, ListTagsResult{Tags: tags}, nil
}

// ListQueriesArgs are the arguments for the list_queries tool.
type ListQueriesArgs struct{}

// ListQueriesResult is the result of the list_queries tool.
type ListQueriesResult struct {
	Queries map[string]string `json:"queries"`
}

func (s *Server) handleListQueries(ctx context.Context,
	req *mcp.CallToolRequest,
	args ListQueriesArgs) (*mcp.CallToolResult, ListQueriesResult, error) {

	queries, err := s.gw.GetNamedQueries(ctx)
	if err != nil {
		return nil, ListQueriesResult{}, err
	}
	if queries == nil {
		queries = map[string]string{}
	}

	return nil, ListQueriesResult{Queries: queries}, nil
}

// TagThreadsArgs are the arguments for the tag_threads tool.
type TagThreadsArgs struct {
	Query string `json:"query" jsonschema:"Messages to change"`

	Add []string `json:"add,omitempty" jsonschema:"Tags to add"`

	Remove []string `json:"remove,omitempty" jsonschema:"Tags to remove"`

	// Set replaces every tag with Add.
	Set bool `json:"set,omitempty" jsonschema:"Replace all tags with the add list"`

	Flush bool `json:"flush,omitempty" jsonschema:"Commit the queue right away"`
}

// TagThreadsResult is the result of the tag_threads tool.
type TagThreadsResult struct {
	Queued  int `json:"queued"`
	Applied int `json:"applied"`
	Pending int `json:"pending"`
}

func (s *Server) handleTagThreads(ctx context.Context,
	req *mcp.CallToolRequest,
	args TagThreadsArgs) (*mcp.CallToolResult, TagThreadsResult, error) {

	if args.Query == "" {
		return nil, TagThreadsResult{}, fmt.Errorf("query is required")
	}
	if _, err := query.Parse(args.Query); err != nil {
		return nil, TagThreadsResult{}, err
	}

	var result TagThreadsResult
	switch {
	case args.Set:
		err := s.gw.Tag(ctx, args.Query, args.Add,
			maildb.WithRemoveRest())
		if err != nil {
			return nil, result, err
		}
		result.Queued++

	case len(args.Add) > 0:
		if err := s.gw.Tag(ctx, args.Query, args.Add); err != nil {
			return nil, result, err
		}
		result.Queued++
	}

	if len(args.Remove) > 0 && !args.Set {
		if err := s.gw.Untag(ctx, args.Query, args.Remove); err != nil {
			return nil, result, err
		}
		result.Queued++
	}

	if result.Queued == 0 {
		return nil, result, fmt.Errorf("no tag changes given")
	}

	if args.Flush {
		n, err := s.flusher.Flush(ctx)
		result.Applied = n
		if err != nil && !maildb.IsLocked(err) {
			return nil, result, err
		}
	}
	result.Pending = s.gw.PendingWrites()

	return nil, result, nil
}

// FlushArgs are the arguments for the flush tool.
type FlushArgs struct{}

// FlushResult is the result of the flush tool.
type FlushResult struct {
	Applied int  `json:"applied"`
	Pending int  `json:"pending"`
	Locked  bool `json:"locked"`
}

func (s *Server) handleFlush(ctx context.Context,
	req *mcp.CallToolRequest,
	args FlushArgs) (*mcp.CallToolResult, FlushResult, error) {

	n, err := s.flusher.Flush(ctx)
	result := FlushResult{
		Applied: n,
		Pending: s.gw.PendingWrites(),
		Locked:  maildb.IsLocked(err),
	}

	// A locked index is reported in the result. The scheduler retries it.
	if err != nil && !result.Locked {
		return nil, result, err
	}

	return nil, result, nil
}

// QueueStatusArgs are the arguments for the queue_status tool.
type QueueStatusArgs struct{}

// QueuedMutation is one mutation waiting in the write queue.
type QueuedMutation struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	EnqueuedAt  string `json:"enqueued_at"`
}

// QueueStatusResult is the result of the queue_status tool.
type QueueStatusResult struct {
	State     string           `json:"state"`
	ReadOnly  bool             `json:"read_only"`
	Mutations []QueuedMutation `json:"mutations"`
}

func (s *Server) handleQueueStatus(ctx context.Context,
	req *mcp.CallToolRequest,
	args QueueStatusArgs) (*mcp.CallToolResult, QueueStatusResult, error) {

	q := s.gw.Queue()
	result := QueueStatusResult{
		State:     q.State().String(),
		ReadOnly:  s.gw.ReadOnly(),
		Mutations: []QueuedMutation{},
	}

	for _, m := range q.Pending() {
		result.Mutations = append(result.Mutations, QueuedMutation{
			ID:          m.ID.String(),
			Kind:        string(m.Kind),
			Description: m.String(),
			EnqueuedAt:  m.EnqueuedAt.UTC().Format(time.RFC3339),
		})
	}

	return nil, result, nil
}

// DropHeadArgs are the arguments for the drop_head tool.
type DropHeadArgs struct {
	ID string `json:"id,omitempty" jsonschema:"Only drop the head if it has this mutation id, as shown by queue_status"`
}

// DropHeadResult is the result of the drop_head tool.
type DropHeadResult struct {
	Dropped     bool   `json:"dropped"`
	ID          string `json:"id,omitempty"`
	Description string `json:"description,omitempty"`
	Pending     int    `json:"pending"`
}

func (s *Server) handleDropHead(ctx context.Context,
	req *mcp.CallToolRequest,
	args DropHeadArgs) (*mcp.CallToolResult, DropHeadResult, error) {

	q := s.gw.Queue()

	var (
		m   *maildb.Mutation
		err error
	)
	if args.ID != "" {
		id, perr := uuid.Parse(args.ID)
		if perr != nil {
			return nil, DropHeadResult{}, fmt.Errorf("invalid "+
				"mutation id %q: %w", args.ID, perr)
		}
		m, err = q.DropHeadIf(ctx, id)
	} else {
		m, err = q.DropHead(ctx)
	}
	if err != nil {
		return nil, DropHeadResult{}, err
	}

	result := DropHeadResult{Pending: s.gw.PendingWrites()}
	if m != nil {
		result.Dropped = true
		result.ID = m.ID.String()
		result.Description = m.String()
	}

	return nil, result, nil
}
