package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zynqcloud/archivecas/internal/coordinator"
)

var (
	cancelServer string
	cancelToken  string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running extraction task",
	Long: `A TaskCoordinator's task table (internal/coordinator) lives only in the
process that submitted the task. A standalone "archivecasctl import" that
is still running can be cancelled in-process with Ctrl-C; cancelling a
task owned by a different process — most commonly the long-lived HTTP
service — requires --server, which issues the same
DELETE /v1/tasks/{taskId} request the HTTP front door exposes (spec
§4.10) instead of reaching into another process's memory.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelServer, "server", "", "base URL of a running archivecas HTTP server (e.g. http://localhost:8080)")
	cancelCmd.Flags().StringVar(&cancelToken, "token", "", "X-Service-Token for --server (default: $ARCHIVECAS_SERVICE_TOKEN)")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	if cancelServer != "" {
		return cancelViaServer(cmd.Context(), taskID)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cw, err := openWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer cw.Close()

	coord := coordinator.New(cw.eng, 1, cliLogger())
	if err := coord.Cancel(taskID); err != nil {
		return fmt.Errorf("cancel: %w (task %q is not known to this process — use --server if it was submitted elsewhere)", err, taskID)
	}
	fmt.Println("cancelled", taskID)
	return nil
}

func cancelViaServer(ctx context.Context, taskID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	token := cancelToken
	if token == "" {
		token = os.Getenv("ARCHIVECAS_SERVICE_TOKEN")
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := cancelServer + "/v1/tasks/" + taskID
	req, err := http.NewRequestWithContext(reqCtx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("X-Service-Token", token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	fmt.Println("cancelled", taskID)
	return nil
}
