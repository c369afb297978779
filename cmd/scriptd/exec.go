package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/scriptd/internal/controlplane"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/params"
	"github.com/fentz26/scriptd/internal/xjson"
	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Submit and inspect executions",
}

var execRunCmd = &cobra.Command{
	Use:   "run [script-name] [key=value ...]",
	Short: "Submit a script for execution",
	Long: `Submits a script by name, --id or --path. Parameters are given as key=value
pairs (values that parse as JSON are decoded) or as a JSON object with --params.`,
	RunE: runExecRun,
}

var execStatusCmd = &cobra.Command{
	Use:   "status [execution-id]",
	Short: "Show the status of an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecStatus,
}

var execCancelCmd = &cobra.Command{
	Use:   "cancel [execution-id]",
	Short: "Cancel an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecCancel,
}

var execListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	RunE:  runExecList,
}

var execShowCmd = &cobra.Command{
	Use:   "show [execution-id]",
	Short: "Show the full execution record",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecShow,
}

var execAuditCmd = &cobra.Command{
	Use:   "audit [execution-id]",
	Short: "Show the decision records of an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecAudit,
}

var execFlags struct {
	scriptID   int64
	scriptPath string
	paramsJSON string
	contextTag string
	callerID   string
	wait       bool
	timeout    time.Duration
	poll       time.Duration
	byHandle   bool
	status     string
	script     string
	listCaller string
	limit      int
}

func init() {
	execCmd.AddCommand(execRunCmd, execStatusCmd, execCancelCmd, execListCmd, execShowCmd, execAuditCmd)

	hostname, _ := os.Hostname()

	f := execRunCmd.Flags()
	f.Int64Var(&execFlags.scriptID, "id", 0, "Registered script ID")
	f.StringVar(&execFlags.scriptPath, "path", "", "Script path (relative paths are taken from the scripts root)")
	f.StringVar(&execFlags.paramsJSON, "params", "", "Parameters as a JSON object")
	f.StringVar(&execFlags.contextTag, "context", "cli", "Context tag recorded with the execution")
	f.StringVar(&execFlags.callerID, "caller", fmt.Sprintf("cli@%s", hostname), "Caller ID")
	f.BoolVar(&execFlags.wait, "wait", false, "Wait for the execution to finish")
	f.DurationVar(&execFlags.timeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")
	f.DurationVar(&execFlags.poll, "poll", time.Second, "Polling interval while waiting")

	execStatusCmd.Flags().BoolVar(&execFlags.byHandle, "handle", false, "Treat the argument as a task handle")

	f = execListCmd.Flags()
	f.StringVar(&execFlags.status, "status", "", "Filter by status (PENDING, STARTED, RETRYING, SUCCESS, FAILURE)")
	f.StringVar(&execFlags.script, "script", "", "Filter by script name")
	f.StringVar(&execFlags.listCaller, "caller", "", "Filter by caller ID")
	f.IntVar(&execFlags.limit, "limit", 20, "Maximum number of executions")
}

// buildSubmitRequest turns the run arguments into a submit request.
func buildSubmitRequest(args []string) (*controlplane.SubmitRequest, error) {
	req := &controlplane.SubmitRequest{
		ScriptRef: models.ScriptRef{
			ID:   execFlags.scriptID,
			Path: execFlags.scriptPath,
		},
		ContextTag: execFlags.contextTag,
		CallerID:   execFlags.callerID,
	}

	if len(args) > 0 && !strings.Contains(args[0], "=") {
		req.Name = args[0]
		args = args[1:]
	}
	if req.ScriptRef.Empty() {
		return nil, errors.New("a script name, --id or --path is required")
	}

	p := map[string]any{}
	if execFlags.paramsJSON != "" {
		decoded, err := params.Decode(execFlags.paramsJSON)
		if err != nil {
			return nil, err
		}
		p = decoded
	}
	assigned, err := params.ParseAssignments(args)
	if err != nil {
		return nil, err
	}
	for k, v := range assigned {
		p[k] = v
	}
	req.Parameters = p
	return req, nil
}

func runExecRun(cmd *cobra.Command, args []string) error {
	req, err := buildSubmitRequest(args)
	if err != nil {
		return err
	}

	var resp controlplane.SubmitResponse
	if err := apiPost("/executions", req, &resp); err != nil {
		return err
	}

	fmt.Printf("Submitted %s\n", resp.Script)
	fmt.Printf("Execution ID: %s\n", resp.ExecutionID)
	fmt.Printf("Task handle:  %s\n", resp.TaskHandle)

	if !execFlags.wait {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if execFlags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execFlags.timeout)
		defer cancel()
	}

	view, err := waitForExecution(ctx, resp.ExecutionID, execFlags.poll)
	if err != nil {
		return err
	}
	fmt.Println()
	printView(view)
	if view.Success != nil && !*view.Success {
		return fmt.Errorf("execution %s failed", shortID(view.ExecutionID))
	}
	return nil
}

// waitForExecution polls until the execution is terminal or ctx ends.
func waitForExecution(ctx context.Context, id string, every time.Duration) (*models.StatusView, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		view, err := fetchStatus(id, false)
		if err != nil {
			return nil, err
		}
		if view.Ready {
			return view, nil
		}

		select {
		case <-ctx.Done():
			return view, fmt.Errorf("stopped waiting for %s (%s): %w", shortID(id), view.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func fetchStatus(ref string, byHandle bool) (*models.StatusView, error) {
	key := "execution_id"
	if byHandle {
		key = "task_handle"
	}
	var view models.StatusView
	if err := apiGet("/executions/status?"+key+"="+url.QueryEscape(ref), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func runExecStatus(cmd *cobra.Command, args []string) error {
	view, err := fetchStatus(args[0], execFlags.byHandle)
	if err != nil {
		return err
	}
	printView(view)
	return nil
}

func runExecCancel(cmd *cobra.Command, args []string) error {
	var view models.StatusView
	if err := apiPost("/executions/"+url.PathEscape(args[0])+"/cancel", nil, &view); err != nil {
		return err
	}
	if view.Ready {
		fmt.Printf("Execution %s is %s\n", shortID(view.ExecutionID), view.Status)
	} else {
		fmt.Printf("Cancellation requested for %s\n", shortID(view.ExecutionID))
	}
	return nil
}

func runExecList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if execFlags.status != "" {
		q.Set("status", strings.ToUpper(execFlags.status))
	}
	if execFlags.script != "" {
		q.Set("script", execFlags.script)
	}
	if execFlags.listCaller != "" {
		q.Set("caller", execFlags.listCaller)
	}
	q.Set("limit", strconv.Itoa(execFlags.limit))

	var recs []models.ExecutionRecord
	if err := apiGet("/executions?"+q.Encode(), &recs); err != nil {
		return err
	}

	if len(recs) == 0 {
		fmt.Println("No executions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCRIPT\tSTATUS\tRETRIES\tDURATION\tCREATED")
	for _, r := range recs {
		duration := "-"
		if r.Status.Terminal() {
			duration = fmt.Sprintf("%.2fs", r.DurationSeconds)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID), truncate(r.Script.Name, 30), r.Status, r.RetryCount, duration,
			r.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runExecShow(cmd *cobra.Command, args []string) error {
	var rec any
	if err := apiGet("/executions/"+url.PathEscape(args[0]), &rec); err != nil {
		return err
	}
	out, err := xjson.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runExecAudit(cmd *cobra.Command, args []string) error {
	var entries []models.PDREntry
	if err := apiGet("/executions/"+url.PathEscape(args[0])+"/audit", &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action, e.Outcome, truncate(e.Details, 80))
	}
	return w.Flush()
}

func printView(v *models.StatusView) {
	fmt.Printf("Execution: %s\n", v.ExecutionID)
	fmt.Printf("Status:    %s\n", v.Status)
	if v.RetryCount > 0 {
		fmt.Printf("Retries:   %d\n", v.RetryCount)
	}
	if v.Ready {
		fmt.Printf("Duration:  %.3fs\n", v.DurationSeconds)
		fmt.Printf("Memory:    %+.2f MB\n", v.MemoryDeltaMB)
	}
	if v.Result != nil {
		if v.Result.Message != "" {
			fmt.Printf("Message:   %s\n", v.Result.Message)
		}
		if len(v.Result.Data) > 0 {
			data, _ := xjson.MarshalIndent(v.Result.Data, "", "  ")
			fmt.Println("\n--- RESULT ---")
			fmt.Println(string(data))
		}
	}
	if v.Error != nil {
		fmt.Printf("\n--- ERROR (%s) ---\n", v.ErrorKind)
		fmt.Println(*v.Error)
	}
}

// --- Helpers ---

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
