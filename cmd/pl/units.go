package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/repo"
)

func unitCmd() *cobra.Command {
	unit := &cobra.Command{
		Use:   "unit",
		Short: "Manage work units",
	}
	unit.AddCommand(unitCreateCmd())
	unit.AddCommand(unitShowCmd())
	unit.AddCommand(unitListCmd())
	unit.AddCommand(unitTreeCmd())
	return unit
}

func unitCreateCmd() *cobra.Command {
	var opts engine.UnitCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work unit in the LEAD phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Engine.CreateWorkUnit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work unit id (default: generated)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "feature", "work unit type")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent work unit id")
	cmd.Flags().StringVar(&opts.ValidationProfile, "profile", "", "validation profile")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func unitShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show WORK_UNIT_ID",
		Short: "Show a work unit with its evidence, children and claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r := a.Engine.Repo
				w, err := r.GetWorkUnit(ctx, args[0])
				if err != nil {
					return err
				}
				atts, err := r.ListAttestations(ctx, "work_unit", w.ID)
				if err != nil {
					return err
				}
				children, err := r.ListChildren(ctx, w.ID)
				if err != nil {
					return err
				}
				claims, err := a.Engine.Claims.UnreleasedClaims(ctx, w.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"work_unit":    w,
					"attestations": atts,
					"children":     children,
					"claims":       claims,
				})
			})
		},
	}
}

func unitListCmd() *cobra.Command {
	var f repo.WorkUnitFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				units, err := a.Engine.Repo.ListWorkUnits(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Phase", "Status", "Parent"})
				for _, w := range units {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Type, w.CurrentPhase, w.Status, deref(w.ParentID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent work unit id")
	return cmd
}

func unitTreeCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the work unit hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				units, err := a.Engine.Repo.ListWorkUnits(ctx, repo.WorkUnitFilter{Status: status})
				if err != nil {
					return err
				}
				known := make(map[string]bool, len(units))
				for _, w := range units {
					known[w.ID] = true
				}
				nodes := map[string][]domain.WorkUnit{}
				var roots []domain.WorkUnit
				for _, w := range units {
					// Units whose parent is filtered out are shown as roots.
					if w.ParentID != nil && known[*w.ParentID] {
						nodes[*w.ParentID] = append(nodes[*w.ParentID], w)
					} else {
						roots = append(roots, w)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						WorkUnit domain.WorkUnit `json:"work_unit"`
						Children []Node          `json:"children,omitempty"`
					}
					var build func(w domain.WorkUnit) Node
					build = func(w domain.WorkUnit) Node {
						var childNodes []Node
						for _, c := range nodes[w.ID] {
							childNodes = append(childNodes, build(c))
						}
						return Node{WorkUnit: w, Children: childNodes}
					}
					var tree []Node
					for _, r := range roots {
						tree = append(tree, build(r))
					}
					return printJSON(tree)
				}
				for i, r := range roots {
					printUnitTree(r, nodes, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func printUnitTree(w domain.WorkUnit, children map[string][]domain.WorkUnit, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s/%s] %s\n", prefix, connector, w.Title, w.CurrentPhase, w.Status, w.ID)
	for i, c := range children[w.ID] {
		printUnitTree(c, children, newPrefix, i == len(children[w.ID])-1)
	}
}

func attestCmd() *cobra.Command {
	att := &cobra.Command{
		Use:   "attest",
		Short: "Record and list evidence on work units",
		Long:  "Attestations are the evidence gates look for, such as ci.passed or review.approved. Kinds must be in the configured catalog.",
	}
	att.AddCommand(attestAddCmd())
	att.AddCommand(attestListCmd())
	return att
}

func attestAddCmd() *cobra.Command {
	var kind, payload string
	cmd := &cobra.Command{
		Use:   "add WORK_UNIT_ID",
		Short: "Add attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.AddAttestation(ctx, domain.Attestation{
					EntityKind:  "work_unit",
					EntityID:    args[0],
					Kind:        kind,
					PayloadJSON: payload,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "attestation kind")
	cmd.Flags().StringVar(&payload, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func attestListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list WORK_UNIT_ID",
		Short: "List attestations on a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAttestations(ctx, "work_unit", args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Kind", "Actor", "ID"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.TS, it.Kind, it.ActorID, it.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
}
