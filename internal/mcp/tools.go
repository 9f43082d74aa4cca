package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/threadbox/internal/ctxutil"
	"github.com/ashita-ai/threadbox/internal/model"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("threadbox_create_thread",
			mcplib.WithDescription(`Create a new idle thread.

A thread is a unit of work with its own sandbox container and an append-only
log. Creating a thread does not start anything; call threadbox_start_thread
when you want its command to run.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_name",
				mcplib.Description("Human-readable name for the thread"),
				mcplib.Required(),
				mcplib.MaxLength(model.MaxThreadNameLen),
			),
			mcplib.WithObject("metadata",
				mcplib.Description("Optional free-form metadata stored with the thread"),
			),
		),
		s.handleCreateThread,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("threadbox_list_threads",
			mcplib.WithDescription("List all threads, newest first, with their state and log count."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListThreads,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("threadbox_get_thread",
			mcplib.WithDescription(`Get one thread with its logs (oldest first) and sandbox health.

Use this to poll a started thread: state moves from starting to completed or
error, and the command output appears as a log of type "output".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("Thread id returned by threadbox_create_thread"),
				mcplib.Required(),
			),
		),
		s.handleGetThread,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("threadbox_start_thread",
			mcplib.WithDescription(`Start a thread's run in the background.

Returns immediately with state "starting". The sandbox is provisioned and
the command executed afterwards; poll threadbox_get_thread for the outcome.
Fails if the thread already has an active run.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("thread_id",
				mcplib.Description("Thread to start"),
				mcplib.Required(),
			),
		),
		s.handleStartThread,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("threadbox_append_log",
			mcplib.WithDescription("Append a log entry to a thread."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("Thread to append to"),
				mcplib.Required(),
			),
			mcplib.WithString("payload",
				mcplib.Description("Log content"),
				mcplib.Required(),
			),
			mcplib.WithString("type",
				mcplib.Description(`Log type, e.g. "message" or "note"`),
				mcplib.DefaultString("message"),
			),
			mcplib.WithString("sender",
				mcplib.Description("Who wrote the entry. Defaults to your authenticated subject."),
			),
			mcplib.WithObject("metadata",
				mcplib.Description("Optional free-form metadata stored with the log"),
			),
		),
		s.handleAppendLog,
	)
}

func (s *Server) handleCreateThread(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	t, err := s.threads.CreateThread(ctx, model.CreateThreadRequest{
		Name:     request.GetString("thread_name", ""),
		Metadata: objectArg(request, "metadata"),
	})
	if err != nil {
		return s.serviceErrorResult("create thread", err), nil
	}
	return jsonResult(t)
}

func (s *Server) handleListThreads(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	list, err := s.threads.ListThreads(ctx)
	if err != nil {
		return s.serviceErrorResult("list threads", err), nil
	}
	if list == nil {
		list = []model.ThreadSummary{}
	}
	return jsonResult(map[string]any{
		"threads": list,
		"total":   len(list),
	})
}

func (s *Server) handleGetThread(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("thread_id", "")
	if id == "" {
		return errorResult("thread_id is required"), nil
	}
	detail, err := s.threads.GetThreadDetail(ctx, id)
	if err != nil {
		return s.serviceErrorResult("get thread", err), nil
	}
	return jsonResult(detail)
}

func (s *Server) handleStartThread(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("thread_id", "")
	if id == "" {
		return errorResult("thread_id is required"), nil
	}
	resp, err := s.threads.Start(ctx, id)
	if err != nil {
		return s.serviceErrorResult("start thread", err), nil
	}
	s.logger.Info("mcp: thread started", "thread_id", id, "subject", ctxutil.Subject(ctx))
	return jsonResult(resp)
}

func (s *Server) handleAppendLog(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("thread_id", "")
	if id == "" {
		return errorResult("thread_id is required"), nil
	}

	sender := request.GetString("sender", "")
	if sender == "" {
		sender = ctxutil.Subject(ctx)
	}
	if sender == "" {
		sender = ctxutil.AnonymousSubject
	}

	l, err := s.threads.AppendLog(ctx, id, model.CreateLogRequest{
		Sender:   sender,
		Type:     request.GetString("type", "message"),
		Payload:  request.GetString("payload", ""),
		Metadata: objectArg(request, "metadata"),
	})
	if err != nil {
		return s.serviceErrorResult("append log", err), nil
	}
	return jsonResult(l)
}

// objectArg returns the named argument when it is a JSON object.
func objectArg(request mcplib.CallToolRequest, name string) map[string]any {
	if m, ok := request.GetArguments()[name].(map[string]any); ok {
		return m
	}
	return nil
}
