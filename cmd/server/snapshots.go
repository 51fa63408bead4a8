package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/EpicMandM/vmsnap/internal/hierarchy"
	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/orchestrator"
	"github.com/spf13/cobra"
)

func newSnapshotsCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect the snapshots recorded for a VM",
	}
	cmd.AddCommand(newSnapshotsListCmd(flags, stdout, stderr))
	cmd.AddCommand(newSnapshotsTreeCmd(flags, stdout, stderr))
	return cmd
}

func newSnapshotsListCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		output string
		states []string
	)
	cmd := &cobra.Command{
		Use:   "list <vm-id>",
		Short: "List the snapshots of a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unsupported --output: %s", output)
			}
			ctx := commandContext(cmd)
			a, log, err := loadApp(ctx, flags, stderr, true)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a, log)

			f := orchestrator.ListFilter{}
			for _, st := range states {
				f.States = append(f.States, models.SnapshotState(st))
			}
			snaps, err := a.Engine().ListSnapshots(ctx, args[0], f)
			if err != nil {
				return err
			}
			if output == "json" {
				if snaps == nil {
					snaps = []models.Snapshot{}
				}
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snaps)
			}
			return renderTable(stdout, snaps)
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only show snapshots in these states")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table|json")
	return cmd
}

func newSnapshotsTreeCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <vm-id>",
		Short: "Show the snapshot hierarchy of a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, log, err := loadApp(ctx, flags, stderr, true)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a, log)

			roots, err := a.Engine().SnapshotTree(ctx, args[0])
			if err != nil {
				return err
			}
			return renderTree(stdout, roots, 0)
		},
	}
}

func renderTable(w io.Writer, snaps []models.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tTYPE\tCURRENT\tPARENT\tCREATED")
	for _, s := range snaps {
		parent := s.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			s.ID, s.DisplayName, s.State, s.Type, s.Current, parent, s.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func renderTree(w io.Writer, nodes []*hierarchy.Node, depth int) error {
	for _, n := range nodes {
		marker := ""
		if n.Snapshot.Current {
			marker = " *"
		}
		if _, err := fmt.Fprintf(w, "%s%s (%s) %s%s\n",
			strings.Repeat("  ", depth), n.Snapshot.DisplayName, n.Snapshot.ID, n.Snapshot.State, marker); err != nil {
			return err
		}
		if err := renderTree(w, n.Children, depth+1); err != nil {
			return err
		}
	}
	return nil
}
