package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/repo"
	"phaseline/internal/result"
	"phaseline/internal/transition"
)

func executeCmd() *cobra.Command {
	var bypass bool
	var bypassReason string
	var values []string
	cmd := &cobra.Command{
		Use:   "execute TRANSITION_TYPE WORK_UNIT_ID",
		Short: "Execute a phase transition",
		Long: fmt.Sprintf(`Attempt a transition. Supported types: %s.
Exits 0 when the transition was accepted and 1 otherwise.`, strings.Join(transition.Supported(), ", ")),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := parseValues(values)
			if err != nil {
				return err
			}
			var res result.Result
			err = withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res = a.Engine.ExecuteTransition(ctx, strings.ToUpper(args[0]), args[1], transition.Options{
					SessionID:    viper.GetString("session-id"),
					Bypass:       bypass,
					BypassReason: bypassReason,
					Values:       vals,
				})
				return nil
			})
			if err != nil {
				return err
			}
			if err := printResult(res); err != nil {
				return err
			}
			if !res.Success {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&bypass, "bypass", false, "turn gate failures into warnings")
	cmd.Flags().StringVar(&bypassReason, "bypass-reason", "", "why gates are bypassed (required with --bypass)")
	cmd.Flags().StringArrayVar(&values, "set", nil, "caller option key=value passed to gates (repeatable)")
	return cmd
}

func parseValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printResult(res result.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.Success {
		fmt.Printf("OK %s -> %v (%v)\n", res.Data["from_phase"], res.Data["to_phase"], res.Data["status"])
		if note, ok := res.Data["note"]; ok {
			fmt.Println(note)
		}
	} else {
		fmt.Printf("%s: %s\n", res.ReasonCode, res.Message)
	}
	if res.Score != nil {
		fmt.Printf("score: %d\n", *res.Score)
	}
	if len(res.Details) > 0 && !res.Success {
		keys := make([]string, 0, len(res.Details))
		for k := range res.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Detail", "Value"})
		for _, k := range keys {
			tw.AppendRow(table.Row{k, fmt.Sprint(res.Details[k])})
		}
		tw.Render()
	}
	if res.Remediation != "" {
		fmt.Println("remediation:", res.Remediation)
	}
	for _, w := range res.Warnings {
		fmt.Println("warning:", w)
	}
	return nil
}

func listCmd() *cobra.Command {
	var f repo.AuditFilter
	cmd := &cobra.Command{
		Use:   "list [WORK_UNIT_ID]",
		Short: "List transition attempts, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.WorkUnitID = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Work Unit", "Transition", "Status", "Reason", "Score", "Session"})
				for _, it := range items {
					score := ""
					if it.Score != nil {
						score = strconv.Itoa(*it.Score)
					}
					tw.AppendRow(table.Row{it.CreatedAt, it.WorkUnitID, it.TransitionType, it.Status, it.ReasonCode, score, it.SessionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TransitionType, "type", "", "transition type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter: accepted, rejected, system_error")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Attempt counts and average score per transition type and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.Repo.TransitionStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Transition", "Status", "Count", "Avg Score"})
				for _, s := range stats {
					tw.AppendRow(table.Row{s.TransitionType, s.Status, s.Count, fmt.Sprintf("%.1f", s.AvgScore)})
				}
				tw.Render()
				return nil
			})
		},
	}
}
