package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/repo"
	"phaseline/internal/session"
)

func policyCmd() *cobra.Command {
	pol := &cobra.Command{
		Use:   "policy",
		Short: "Manage gate policies",
		Long: `A gate policy marks a gate REQUIRED, OPTIONAL or DISABLED for a work unit type,
a validation profile, or both. The most specific match wins: type+profile, then type,
then profile, then a policy with neither.`,
	}
	pol.AddCommand(policyListCmd())
	pol.AddCommand(policySetCmd())
	pol.AddCommand(policyDeleteCmd())
	return pol
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List gate policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListGatePolicies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Gate", "Type", "Profile", "Applicability", "Reason", "ID"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.GateKey, deref(p.WorkUnitType), deref(p.ValidationProfile), p.Applicability, p.Reason, p.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func policySetCmd() *cobra.Command {
	var gateKey, unitType, profile, applicability, reason string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the policy for a gate scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.SetGatePolicy(ctx, domain.GatePolicy{
					GateKey:           gateKey,
					WorkUnitType:      optionalString(unitType),
					ValidationProfile: optionalString(profile),
					Applicability:     applicability,
					Reason:            reason,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&gateKey, "gate", "", "gate name, e.g. DESIGN_EVIDENCE")
	cmd.Flags().StringVar(&unitType, "type", "", "work unit type scope")
	cmd.Flags().StringVar(&profile, "profile", "", "validation profile scope")
	cmd.Flags().StringVar(&applicability, "applicability", "", "REQUIRED, OPTIONAL or DISABLED")
	cmd.Flags().StringVar(&reason, "reason", "", "why the policy exists")
	_ = cmd.MarkFlagRequired("gate")
	_ = cmd.MarkFlagRequired("applicability")
	return cmd
}

func policyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete POLICY_ID",
		Short: "Delete a gate policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteGatePolicy(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"deleted": args[0]})
			})
		},
	}
}

func claimCmd() *cobra.Command {
	cl := &cobra.Command{
		Use:   "claim",
		Short: "Inspect and manage work unit claims",
	}
	cl.AddCommand(claimListCmd())
	cl.AddCommand(claimReleaseCmd())
	cl.AddCommand(claimHeartbeatCmd())
	return cl
}

func claimListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list WORK_UNIT_ID",
		Short: "List claims on a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.Claim
					err   error
				)
				if rs, ok := a.Engine.Claims.(repo.Repo); ok {
					items, err = rs.ListClaims(ctx, args[0], all)
				} else {
					items, err = a.Engine.Claims.UnreleasedClaims(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Session", "Host", "Claimed", "Heartbeat", "Released"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.SessionID, c.Hostname, c.ClaimedAt, c.HeartbeatAt, deref(c.ReleasedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include released claims")
	return cmd
}

func claimReleaseCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "release WORK_UNIT_ID",
		Short: "Release this session's claim, or every claim with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sessionID := ""
				if !force {
					s, err := a.Session.GetOrCreateSession(ctx)
					if err != nil {
						return err
					}
					sessionID = s.ID
				}
				if err := a.Engine.ReleaseClaim(ctx, args[0], sessionID, viper.GetString("actor-id"), force); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"released": args[0], "forced": force})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "release claims held by any session")
	return cmd
}

func claimHeartbeatCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Refresh every claim held by this session",
		Long:  "Refresh this session's claims once, or keep refreshing them with --every until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Session.GetOrCreateSession(ctx)
				if err != nil {
					return err
				}
				if every > 0 {
					return session.Heartbeater{
						Store:     a.Heartbeats,
						SessionID: s.ID,
						Interval:  every,
						Logger:    a.Logger,
					}.Run(ctx)
				}
				n, err := a.Heartbeats.HeartbeatSession(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"session_id": s.ID, "claims_refreshed": n})
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "keep heartbeating at this interval (e.g. 30s)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that changed: units created, claims taken and released, evidence added, policies edited, transitions completed.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in phaseline.yml: the attestation catalog, evidence required per transition, claim and policy timings, skip rules and seeded gate policies.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default phaseline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
