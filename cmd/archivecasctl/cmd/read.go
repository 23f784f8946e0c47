package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zynqcloud/archivecas/internal/tree"
)

var (
	readMaxLen int64
	readOutput string
)

var readCmd = &cobra.Command{
	Use:   "read <sha256>",
	Short: "Stream a CAS blob by its content hash",
	Long: `Reads content addressed by its SHA-256 hex digest, per spec §4.9's
read_file_by_hash(workspace_id, sha256, max_len?). Writes to --output, or
stdout if unset.`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	readCmd.Flags().Int64Var(&readMaxLen, "max-len", 0, "cap the number of bytes read (0 = no cap)")
	readCmd.Flags().StringVar(&readOutput, "output", "", "output file path (default: stdout)")
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	sha256hex := args[0]

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cw, err := openWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer cw.Close()

	api := tree.New(cw.ws.Meta, cw.ws.CAS)
	rc, size, err := api.ReadFileByHash(sha256hex, readMaxLen)
	if err != nil {
		return fmt.Errorf("read blob: %w", err)
	}
	defer rc.Close()

	out := os.Stdout
	if readOutput != "" {
		f, err := os.Create(readOutput)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	n, err := io.Copy(out, rc)
	if err != nil {
		return fmt.Errorf("stream blob: %w", err)
	}
	if readOutput != "" {
		fmt.Fprintf(os.Stderr, "wrote %d of %d bytes to %s\n", n, size, readOutput)
	}
	return nil
}
