package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zynqcloud/archivecas/internal/coordinator"
)

var importWorkers int
var importResumeTaskID string

var importCmd = &cobra.Command{
	Use:   "import <archive-path>",
	Short: "Submit an archive for extraction and wait for it to finish",
	Long: `Submit runs the extraction engine directly against the opened workspace
and streams ProgressUpdate/SecurityEvent records to stdout as they occur,
per spec §4.8's submit(archive_path, workspace_id, policy). Ctrl-C sends a
cooperative cancellation to the running task instead of killing the
process mid-write.

--resume-task-id re-submits the same archive under a task_id issued by an
earlier run, per spec §4.7's resumption scenario: the engine picks up that
task's on-disk checkpoint, if any, and replays from last_committed_entry+1
instead of re-ingesting from scratch.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().IntVar(&importWorkers, "max-workers", 0, "TaskCoordinator concurrency (default: ARCHIVECAS_MAX_WORKERS or 4)")
	importCmd.Flags().StringVar(&importResumeTaskID, "resume-task-id", "", "resume a previously issued task_id instead of starting a new task")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	archivePath := args[0]

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cw, err := openWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer cw.Close()

	workers := importWorkers
	if workers <= 0 {
		workers = viper.GetInt("MAX_WORKERS")
	}
	if workers <= 0 {
		workers = 4
	}
	coord := coordinator.New(cw.eng, workers, cliLogger())

	var taskID string
	if importResumeTaskID != "" {
		taskID, err = coord.Resume(ctx, importResumeTaskID, workspaceID, archivePath, nil)
	} else {
		taskID, err = coord.Submit(ctx, workspaceID, archivePath, nil)
	}
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	events, unsubscribe, err := coord.Subscribe(taskID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer unsubscribe()

	// signal.Notify (not signal.NotifyContext) so the select below can tell
	// "drained because of a real interrupt" apart from "drained because the
	// task finished on its own" — both would close ctx.Done() the same way.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\ninterrupt received — cancelling task", taskID)
			coord.Cancel(taskID) //nolint:errcheck
		case <-done:
		}
	}()

	for ev := range events {
		printEvent(taskID, ev)
	}

	status, summary, err := coord.Status(taskID)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if jsonOut {
		return printJSON(map[string]any{
			"task_id": taskID,
			"status":  status,
			"summary": summary,
		})
	}

	fmt.Printf("task %s finished: status=%v files=%d bytes=%d warnings=%d security_events=%d\n",
		taskID, status, summary.Files, summary.Bytes, summary.Warnings, summary.SecurityEvents)
	if summary.FatalErr != nil {
		return summary.FatalErr
	}
	if status == coordinator.TaskFailed {
		return fmt.Errorf("task %s failed", taskID)
	}
	return nil
}

func printEvent(taskID string, ev coordinator.Event) {
	switch {
	case ev.Progress != nil:
		p := ev.Progress
		fmt.Printf("[%s] %-9s files=%d bytes=%d %s %s\n", taskID, p.Kind, p.FilesProcessed, p.BytesProcessed, p.CurrentFile, p.Error)
	case ev.Security != nil:
		s := ev.Security
		fmt.Printf("[%s] security: %s entry=%q archive_id=%d\n", taskID, s.Kind, s.EntryName, s.ArchiveID)
	}
}
