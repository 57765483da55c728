package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"missionline/internal/delivery"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/results"
)

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "results", Short: "Browse and export results"}
	cmd.AddCommand(resultsListCmd())
	cmd.AddCommand(resultsExportCmd())
	return cmd
}

type resultFlags struct {
	filter    string
	sort      string
	missionID string
}

func (f *resultFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.filter, "filter", "all", "all, highIntent or verified")
	cmd.Flags().StringVar(&f.sort, "sort", "newest", "newest, intent or clarity")
	cmd.Flags().StringVar(&f.missionID, "mission", "", "only this mission's results")
}

func (f *resultFlags) load(ctx context.Context, e engine.Engine, orgID string) ([]domain.Result, error) {
	scope := results.Scope{OrgID: orgID}
	if f.missionID != "" {
		scope = results.Scope{MissionID: f.missionID}
	}
	seq, err := results.New(e, e.Config.Results).ResultsFor(ctx, scope, results.Query{Filter: f.filter, Sort: f.sort})
	if err != nil {
		return nil, err
	}
	return results.Collect(seq)
}

func resultsListCmd() *cobra.Command {
	var flags resultFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List results",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, remote, err := remoteClient()
			if err != nil {
				return err
			}
			if remote {
				rows, err := client.Results(cmd.Context(), flags.filter, flags.sort, flags.missionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rows)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				rows, err := flags.load(ctx, e, p.OrgID)
				if err != nil {
					return err
				}
				out := make([]table.Row, 0, len(rows))
				for _, r := range rows {
					out = append(out, table.Row{r.ID, r.MissionID, r.Payload.String(domain.FieldName), r.Payload.String(domain.FieldCompany), score(r.IntentScore), score(r.ClarityScore), r.Verified})
				}
				return printTable(rows, table.Row{"ID", "Mission", "Name", "Company", "Intent", "Clarity", "Verified"}, out)
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func score(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func resultsExportCmd() *cobra.Command {
	var flags resultFlags
	var columns []string
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export results as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer = os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			client, remote, err := remoteClient()
			if err != nil {
				return err
			}
			if remote {
				data, err := client.ExportResults(cmd.Context(), flags.filter, flags.sort, flags.missionID, columns)
				if err != nil {
					return err
				}
				_, err = w.Write(data)
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				rows, err := flags.load(ctx, e, p.OrgID)
				if err != nil {
					return err
				}
				return results.WriteCSV(w, rows, columns)
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to export (default: all canonical fields)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func endpointsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "endpoints", Short: "Manage webhook endpoints"}
	cmd.AddCommand(endpointAddCmd())
	cmd.AddCommand(endpointListCmd())
	cmd.AddCommand(endpointUpdateCmd())
	return cmd
}

func printEndpoints(e engine.Engine, items []domain.Endpoint) error {
	rows := make([]table.Row, 0, len(items))
	for _, ep := range items {
		rows = append(rows, table.Row{ep.ID, ep.URL, ep.Enabled, e.EffectiveThreshold(ep), ep.Version, ep.Secret != ""})
	}
	return printTable(items, table.Row{"ID", "URL", "Enabled", "Threshold", "Version", "Secret"}, rows)
}

func endpointAddCmd() *cobra.Command {
	var threshold int
	var secret string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a webhook endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				enabled := !disabled
				ep, err := e.CreateEndpoint(ctx, engine.EndpointOptions{
					OrgID:     p.OrgID,
					URL:       args[0],
					Enabled:   &enabled,
					Threshold: threshold,
					Secret:    secret,
					ActorID:   p.ActorID,
				})
				if err != nil {
					return err
				}
				return printEndpoints(e, []domain.Endpoint{ep})
			})
		},
	}
	cmd.Flags().IntVar(&threshold, "threshold", 0, "intent threshold 0..100 (0 uses the config default)")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret sent as X-Missionline-Secret")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create disabled")
	return cmd
}

func endpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List webhook endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				items, err := e.ListEndpoints(ctx, p.OrgID, false)
				if err != nil {
					return err
				}
				return printEndpoints(e, items)
			})
		},
	}
}

func endpointUpdateCmd() *cobra.Command {
	var url, secret string
	var threshold int
	var enabled bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an endpoint; any change re-arms delivery of eligible results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := engine.EndpointPatch{
				URL:       optionalString(cmd, "url", url),
				Enabled:   optionalBool(cmd, "enabled", enabled),
				Threshold: optionalInt(cmd, "threshold", threshold),
				Secret:    optionalString(cmd, "secret", secret),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				ep, err := e.UpdateEndpoint(ctx, args[0], patch, p.ActorID)
				if err != nil {
					return err
				}
				return printEndpoints(e, []domain.Endpoint{ep})
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "new URL")
	cmd.Flags().StringVar(&secret, "secret", "", "new shared secret")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "new intent threshold")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable or disable")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "deliveries", Short: "Inspect and drive webhook deliveries"}
	cmd.AddCommand(deliverySyncCmd())
	cmd.AddCommand(deliveryHistoryCmd())
	cmd.AddCommand(deliveryStatesCmd())
	cmd.AddCommand(deliveryRetriggerCmd())
	return cmd
}

func withDelivery(ctx context.Context, fn func(context.Context, *delivery.Engine, auth.Principal) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, p auth.Principal) error {
		return fn(ctx, delivery.New(e, delivery.Options{Logger: e.Logger}), p)
	})
}

func deliverySyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Attempt every pending delivery now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, remote, err := remoteClient()
			if err != nil {
				return err
			}
			if remote {
				rep, err := client.SyncDeliveries(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			}
			return withDelivery(cmd.Context(), func(ctx context.Context, d *delivery.Engine, p auth.Principal) error {
				rep, err := d.TriggerManualSync(ctx, p.OrgID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func deliveryHistoryCmd() *cobra.Command {
	var resultID, endpointID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDelivery(cmd.Context(), func(ctx context.Context, d *delivery.Engine, p auth.Principal) error {
				recs, err := d.History(ctx, p.OrgID, resultID, endpointID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, table.Row{r.ResultID, r.EndpointID, r.EndpointVersion, r.Attempt, r.Status, r.StatusCode, truncate(r.ResponseSummary, 40), r.CreatedAt})
				}
				return printTable(recs, table.Row{"Result", "Endpoint", "Version", "Attempt", "Status", "Code", "Response", "At"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&resultID, "result", "", "result id")
	cmd.Flags().StringVar(&endpointID, "endpoint", "", "endpoint id")
	return cmd
}

func deliveryStatesCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "states",
		Short: "Per result and endpoint delivery state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDelivery(cmd.Context(), func(ctx context.Context, d *delivery.Engine, p auth.Principal) error {
				states, err := d.States(ctx, p.OrgID, domain.PairState(state))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(states))
				for _, s := range states {
					rows = append(rows, table.Row{s.ResultID, s.EndpointID, s.EndpointVersion, s.State, s.Attempts, s.NextAttemptAt, truncate(s.LastError, 40)})
				}
				return printTable(states, table.Row{"Result", "Endpoint", "Version", "State", "Attempts", "Next", "Last error"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "eligible, delivered or failed")
	return cmd
}

func deliveryRetriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrigger <result-id> <endpoint-id>",
		Short: "Re-arm a failed delivery",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, remote, err := remoteClient()
			if err != nil {
				return err
			}
			if remote {
				return client.Retrigger(cmd.Context(), args[0], args[1])
			}
			return withDelivery(cmd.Context(), func(ctx context.Context, d *delivery.Engine, p auth.Principal) error {
				if err := d.Retrigger(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("retriggered")
				return nil
			})
		},
	}
}
