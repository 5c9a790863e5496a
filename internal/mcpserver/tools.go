package mcpserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/agentexec"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/engineerr"
	"github.com/kandev/taskforge/internal/logview"
	"github.com/kandev/taskforge/internal/taskgraph"
	"github.com/kandev/taskforge/internal/types"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("task_worker",
			mcp.WithDescription("Start a background agent run against a workspace. Returns a job identifier immediately; poll work_status for progress."),
			mcp.WithString("task", mcp.Required(), mcp.Description("The prompt describing the work to perform")),
			mcp.WithString("workFolder", mcp.Required(), mcp.Description("Absolute path to the workspace to seed into a sandbox")),
			mcp.WithString("description", mcp.Description("Optional short description appended to the agent's prompt context")),
			mcp.WithString("taskId", mcp.Description("Optional task identifier to associate this run with, for task graph correlation")),
			mcp.WithString("parentTaskId", mcp.Description("Optional parent task identifier")),
			mcp.WithNumber("cpuCores", mcp.Description("Optional CPU core limit for the sandbox")),
			mcp.WithNumber("memoryBytes", mcp.Description("Optional memory limit in bytes for the sandbox")),
			mcp.WithString("returnMode", mcp.Description("summary or full; controls how much of the agent output is kept in the result (full is default)")),
		),
		taskWorkerHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("work_status",
			mcp.WithDescription("Returns a background job's status, or a task graph plan's status bucket."),
			mcp.WithString("taskId", mcp.Description("A job identifier previously returned by task_worker")),
			mcp.WithString("planId", mcp.Description("A workspace path whose tasks.json plan status should be summarized")),
		),
		workStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("answer_worker_question",
			mcp.WithDescription("Resumes a job parked in needs_input with the user's answer."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("The job identifier awaiting an answer")),
			mcp.WithString("answer", mcp.Required(), mcp.Description("The answer to the agent's pending question")),
		),
		answerWorkerQuestionHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("review_changes",
			mcp.WithDescription("Lists pending patches, or formats a single patch by identifier."),
			mcp.WithString("diffId", mcp.Description("A specific patch identifier to review; omit to list every pending patch")),
			mcp.WithBoolean("showContent", mcp.Description("Include the full unified diff text in the result")),
			mcp.WithString("format", mcp.Description("Optional output hint, e.g. \"diff\" to force inline diff text")),
		),
		reviewChangesHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("apply_changes",
			mcp.WithDescription("Applies a pending patch to a target workspace. Not idempotent: a second application fails."),
			mcp.WithString("diffId", mcp.Required(), mcp.Description("The patch identifier to apply")),
			mcp.WithString("targetWorkspace", mcp.Required(), mcp.Description("Absolute path to apply the patch onto")),
		),
		applyChangesHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("reject_changes",
			mcp.WithDescription("Rejects a pending patch and tears down its conversation session and sandbox."),
			mcp.WithString("diffId", mcp.Required(), mcp.Description("The patch identifier to reject")),
			mcp.WithString("reason", mcp.Description("Optional reason recorded in the engine log")),
		),
		rejectChangesHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("request_revision",
			mcp.WithDescription("Iterates on a pending patch by re-invoking the agent in its originating sandbox with feedback."),
			mcp.WithString("diffId", mcp.Required(), mcp.Description("The patch identifier to revise")),
			mcp.WithString("feedback", mcp.Required(), mcp.Description("Feedback describing what to change")),
			mcp.WithBoolean("preserveCorrectParts", mcp.Description("Ask the agent to preserve parts of the change the feedback doesn't call out")),
			mcp.WithString("extraContext", mcp.Description("Optional extra context to include in the revision prompt")),
		),
		requestRevisionHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("system_status",
			mcp.WithDescription("Reports container pool occupancy, job/patch counts, and auth status."),
		),
		systemStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("view_container_logs",
			mcp.WithDescription("Reads a per-task execution log file, optionally tailing and filtering it."),
			mcp.WithString("identifier", mcp.Required(), mcp.Description("A log filename, sandbox id, or task id to match")),
			mcp.WithNumber("tail", mcp.Description("Return only the last N lines (0 or omitted returns everything)")),
			mcp.WithString("filter", mcp.Description("Only return lines containing this substring")),
		),
		viewContainerLogsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_container_logs",
			mcp.WithDescription("Lists available execution log files."),
			mcp.WithNumber("limit", mcp.Description("Cap the number of entries returned (0 or omitted is unlimited)")),
			mcp.WithString("sortBy", mcp.Description("name, size, or mtime (default mtime, descending)")),
		),
		listContainerLogsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("validate_tasks",
			mcp.WithDescription("Validates a workspace's tasks.json for structural and referential integrity."),
			mcp.WithString("workFolder", mcp.Required(), mcp.Description("Absolute path to the workspace containing tasks.json")),
		),
		validateTasksHandler(log),
	)

	s.AddTool(
		mcp.NewTool("set_task_status",
			mcp.WithDescription("Bulk-updates task/subtask status. All-or-nothing: a failure leaves the manifest unchanged."),
			mcp.WithString("ids", mcp.Required(), mcp.Description("Comma-separated task or subtask (taskId.subtaskId) identifiers")),
			mcp.WithString("status", mcp.Required(), mcp.Description("pending, in-progress, done, or failed")),
			mcp.WithString("workFolder", mcp.Required(), mcp.Description("Absolute path to the workspace containing tasks.json")),
			mcp.WithString("error", mcp.Description("Error message; only valid when status is failed")),
		),
		setTaskStatusHandler(log),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Fetches a single task by identifier."),
			mcp.WithString("workFolder", mcp.Required(), mcp.Description("Absolute path to the workspace containing tasks.json")),
			mcp.WithString("id", mcp.Required(), mcp.Description("The task identifier")),
		),
		getTaskHandler(log),
	)

	s.AddTool(
		mcp.NewTool("get_tasks",
			mcp.WithDescription("Lists every task in the manifest, grouped by status bucket."),
			mcp.WithString("workFolder", mcp.Required(), mcp.Description("Absolute path to the workspace containing tasks.json")),
		),
		getTasksHandler(log),
	)

	s.AddTool(
		mcp.NewTool("get_next_tasks",
			mcp.WithDescription("Returns every pending task whose prerequisites are satisfied, sorted by priority."),
			mcp.WithString("workFolder", mcp.Required(), mcp.Description("Absolute path to the workspace containing tasks.json")),
		),
		getNextTasksHandler(log),
	)

	s.AddTool(
		mcp.NewTool("open_dashboard",
			mcp.WithDescription("Reports the URL of the live streaming dashboard for the user to open."),
		),
		openDashboardHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("dashboard_status",
			mcp.WithDescription("Reports whether the streaming dashboard is enabled, its URL, and how many clients are connected."),
		),
		dashboardStatusHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("init_project",
			mcp.WithDescription("Writes a guidance file describing how to drive this engine into the workspace root."),
			mcp.WithString("workFolder", mcp.Required(), mcp.Description("Absolute path to the workspace root")),
			mcp.WithBoolean("force", mcp.Description("Overwrite an existing guidance file")),
		),
		initProjectHandler(log),
	)

	log.Info("registered MCP tools", zap.Int("count", 18))
}

func taskWorkerHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		workFolder, err := req.RequireString("workFolder")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}

		returnMode := types.ReturnFull
		if req.GetString("returnMode", "") == "summary" {
			returnMode = types.ReturnSummary
		}

		opts := agentexec.RunOptions{
			Prompt:       task,
			Workspace:    workFolder,
			Description:  req.GetString("description", ""),
			TaskID:       req.GetString("taskId", ""),
			ParentTaskID: req.GetString("parentTaskId", ""),
			CPUCores:     int64(req.GetFloat("cpuCores", 0)),
			MemoryBytes:  int64(req.GetFloat("memoryBytes", 0)),
			ReturnMode:   returnMode,
		}

		jobID, err := deps.Agent.RunBackground(ctx, opts)
		if err != nil {
			log.Error("task_worker failed to start", zap.Error(err))
			return errorResult(err)
		}
		return jsonResult(map[string]string{"jobId": jobID})
	}
}

func workStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if taskID := req.GetString("taskId", ""); taskID != "" {
			job, err := deps.Agent.GetJob(ctx, taskID)
			if err != nil {
				return errorResult(err)
			}
			return jsonResult(job)
		}
		if planID := req.GetString("planId", ""); planID != "" {
			mgr, err := taskgraph.New(planID)
			if err != nil {
				return errorResult(engineerr.Wrap(engineerr.InvalidParams, "failed to load task graph", err))
			}
			return jsonResult(mgr.List())
		}
		return errorResult(engineerr.New(engineerr.InvalidParams, "either taskId or planId is required"))
	}
}

func answerWorkerQuestionHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("taskId")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}

		result, err := deps.Agent.AnswerQuestion(ctx, taskID, answer)
		if err != nil {
			log.Warn("answer_worker_question failed", zap.String("job", taskID), zap.Error(err))
			return errorResult(err)
		}
		return jsonResult(result)
	}
}

func reviewChangesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		diffID := req.GetString("diffId", "")
		result, err := deps.Agent.ReviewChanges(ctx, diffID)
		if err != nil {
			return errorResult(err)
		}

		showContent := req.GetBool("showContent", false) || req.GetString("format", "") == "diff"
		if !showContent {
			if patch, ok := result.(*types.Patch); ok {
				stripped := *patch
				stripped.DiffText = ""
				return jsonResult(stripped)
			}
		}
		return jsonResult(result)
	}
}

func applyChangesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		diffID, err := req.RequireString("diffId")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		targetWorkspace, err := req.RequireString("targetWorkspace")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}

		result, err := deps.Agent.ApplyPatch(ctx, diffID, targetWorkspace)
		if err != nil {
			log.Warn("apply_changes failed", zap.String("patch", diffID), zap.Error(err))
			return errorResult(err)
		}
		return jsonResult(result)
	}
}

func rejectChangesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		diffID, err := req.RequireString("diffId")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		reason := req.GetString("reason", "")

		if err := deps.Agent.RejectPatch(ctx, diffID, reason); err != nil {
			return errorResult(err)
		}
		return jsonResult(map[string]string{"diffId": diffID, "status": string(types.PatchRejected)})
	}
}

func requestRevisionHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		diffID, err := req.RequireString("diffId")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		feedback, err := req.RequireString("feedback")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}

		opts := agentexec.RevisionOptions{
			PatchID:              diffID,
			Feedback:             feedback,
			PreserveCorrectParts: req.GetBool("preserveCorrectParts", false),
			ExtraContext:         req.GetString("extraContext", ""),
		}

		result, err := deps.Agent.RequestRevision(ctx, opts)
		if err != nil {
			log.Warn("request_revision failed", zap.String("patch", diffID), zap.Error(err))
			return errorResult(err)
		}
		return jsonResult(result)
	}
}

// systemStatus is the combined view system_status reports.
type systemStatus struct {
	Pool            poolStatusView `json:"pool"`
	IncompleteJobs  int            `json:"incompleteJobs"`
	PendingPatches  int            `json:"pendingPatches"`
	Authenticated   bool           `json:"authenticated"`
	AuthSource      string         `json:"authSource,omitempty"`
}

type poolStatusView struct {
	Warm    int `json:"warm"`
	InUse   int `json:"inUse"`
	MaxSize int `json:"maxSize"`
}

func systemStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats := deps.Pool.Stats()

		jobs, err := deps.Store.ListIncompleteJobs(ctx)
		if err != nil {
			log.Warn("system_status failed to list incomplete jobs", zap.Error(err))
		}
		patches, err := deps.Store.ListPendingPatches(ctx)
		if err != nil {
			log.Warn("system_status failed to list pending patches", zap.Error(err))
		}

		authStatus, err := deps.Auth.Status(ctx)
		if err != nil {
			log.Warn("system_status failed to resolve auth status", zap.Error(err))
		}

		return jsonResult(systemStatus{
			Pool:           poolStatusView{Warm: stats.Warm, InUse: stats.InUse, MaxSize: stats.MaxSize},
			IncompleteJobs: len(jobs),
			PendingPatches: len(patches),
			Authenticated:  authStatus.Authenticated,
			AuthSource:     authStatus.Source,
		})
	}
}

func viewContainerLogsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identifier, err := req.RequireString("identifier")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}

		path, err := logview.Resolve(deps.LogDir, identifier)
		if err != nil {
			return errorResult(engineerr.Wrap(engineerr.NotFound, "log file not found", err))
		}

		lines, err := logview.Tail(path, int(req.GetFloat("tail", 0)), req.GetString("filter", ""))
		if err != nil {
			return errorResult(engineerr.Wrap(engineerr.InternalError, "failed to read log file", err))
		}
		return jsonResult(map[string]interface{}{"path": path, "lines": lines})
	}
}

func listContainerLogsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := logview.List(deps.LogDir, int(req.GetFloat("limit", 0)), req.GetString("sortBy", "mtime"))
		if err != nil {
			return errorResult(engineerr.Wrap(engineerr.InternalError, "failed to list log files", err))
		}
		return jsonResult(entries)
	}
}

func validateTasksHandler(log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workFolder, err := req.RequireString("workFolder")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		mgr, err := taskgraph.New(workFolder)
		if err != nil {
			return errorResult(engineerr.Wrap(engineerr.InvalidParams, "failed to load task graph", err))
		}
		return jsonResult(mgr.Validate())
	}
}

func setTaskStatusHandler(log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids, err := req.RequireString("ids")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		status, err := req.RequireString("status")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		workFolder, err := req.RequireString("workFolder")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}

		mgr, err := taskgraph.New(workFolder)
		if err != nil {
			return errorResult(engineerr.Wrap(engineerr.InvalidParams, "failed to load task graph", err))
		}
		if err := mgr.UpdateStatus(ids, types.TaskStatus(status), req.GetString("error", "")); err != nil {
			return errorResult(err)
		}
		return jsonResult(map[string]string{"ids": ids, "status": status})
	}
}

func getTaskHandler(log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workFolder, err := req.RequireString("workFolder")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		id, err := req.RequireString("id")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		mgr, err := taskgraph.New(workFolder)
		if err != nil {
			return errorResult(engineerr.Wrap(engineerr.InvalidParams, "failed to load task graph", err))
		}
		detail, err := mgr.GetDetail(id)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(detail)
	}
}

func getTasksHandler(log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workFolder, err := req.RequireString("workFolder")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		mgr, err := taskgraph.New(workFolder)
		if err != nil {
			return errorResult(engineerr.Wrap(engineerr.InvalidParams, "failed to load task graph", err))
		}
		return jsonResult(mgr.List())
	}
}

func getNextTasksHandler(log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workFolder, err := req.RequireString("workFolder")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		mgr, err := taskgraph.New(workFolder)
		if err != nil {
			return errorResult(engineerr.Wrap(engineerr.InvalidParams, "failed to load task graph", err))
		}
		return jsonResult(mgr.NextReady())
	}
}

func openDashboardHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.DashboardURL == "" {
			return errorResult(engineerr.New(engineerr.Unavailable, "streaming hub is disabled, no dashboard to open"))
		}
		return jsonResult(map[string]string{"url": deps.DashboardURL})
	}
}

func dashboardStatusHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.DashboardURL == "" || deps.Hub == nil {
			return jsonResult(map[string]interface{}{"enabled": false})
		}
		return jsonResult(map[string]interface{}{
			"enabled": true,
			"url":     deps.DashboardURL,
			"clients": deps.Hub.ClientCount(),
		})
	}
}

const projectGuidance = `# Taskforge

This workspace is driven by Taskforge, a parallel task orchestration engine.

- Describe tasks in ` + "`tasks.json`" + ` at the workspace root: ` + "`id`" + `, ` + "`title`" + `, ` + "`description`" + `, ` + "`dependencies`" + `, and ` + "`priority`" + `.
- Call ` + "`get_next_tasks`" + ` to find tasks whose prerequisites are satisfied.
- Call ` + "`task_worker`" + ` to run one in a sandbox; it returns a job identifier.
- Poll ` + "`work_status`" + ` until the job completes, then ` + "`review_changes`" + ` the resulting patch.
- ` + "`apply_changes`" + ` to accept it, ` + "`reject_changes`" + ` to discard it, or ` + "`request_revision`" + ` with feedback to iterate.
`

func initProjectHandler(log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workFolder, err := req.RequireString("workFolder")
		if err != nil {
			return errorResult(engineerr.New(engineerr.InvalidParams, err.Error()))
		}
		force := req.GetBool("force", false)

		path := filepath.Join(workFolder, "AGENTS.md")
		if !force {
			if _, err := os.Stat(path); err == nil {
				return errorResult(engineerr.New(engineerr.Conflict, fmt.Sprintf("%s already exists; pass force to overwrite", path)))
			}
		}

		if err := os.WriteFile(path, []byte(projectGuidance), 0o644); err != nil {
			return errorResult(engineerr.Wrap(engineerr.InternalError, "failed to write guidance file", err))
		}
		return jsonResult(map[string]string{"path": path, "writtenAt": time.Now().UTC().Format(time.RFC3339)})
	}
}
