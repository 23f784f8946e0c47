package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zynqcloud/archivecas/internal/tree"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the virtual tree for a workspace",
	Long: `Assembles the full root-files + nested-archive tree for one workspace,
per spec §4.9's get_tree(workspace_id). Defaults to an indented text
listing; pass --json for the wire format the HTTP /tree endpoint returns.`,
	Args: cobra.NoArgs,
	RunE: runTree,
}

func init() {
	rootCmd.AddCommand(treeCmd)
}

func runTree(cmd *cobra.Command, _ []string) error {
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
	nodes, err := api.GetTree(ctx)
	if err != nil {
		return fmt.Errorf("get tree: %w", err)
	}

	if jsonOut {
		return printJSON(nodes)
	}
	for _, n := range nodes {
		printNode(n, 0)
	}
	return nil
}

func printNode(n tree.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	switch n.Kind {
	case tree.NodeArchive:
		fmt.Printf("%s%s/ (%s)\n", indent, n.VirtualPath, n.Format)
		for _, c := range n.Children {
			printNode(c, depth+1)
		}
	default:
		fmt.Printf("%s%s (%d bytes, %s)\n", indent, n.VirtualPath, n.Size, n.SHA256)
	}
}
