package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"missionline/internal/bulk"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/statussync"
	missionlinesdk "missionline/sdk/go"
)

func missionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "missions", Short: "Submit and follow missions"}
	cmd.AddCommand(missionSubmitCmd())
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionGetCmd())
	cmd.AddCommand(missionCancelCmd())
	cmd.AddCommand(missionWatchCmd())
	return cmd
}

func missionSubmitCmd() *cobra.Command {
	var platform, mode, userID string
	var priority int
	cmd := &cobra.Command{
		Use:   "submit <query>",
		Short: "Submit a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio := optionalInt(cmd, "priority", priority)
			client, remote, err := remoteClient()
			if err != nil {
				return err
			}
			if remote {
				m, err := client.SubmitMission(cmd.Context(), missionlinesdk.MissionRequest{
					Query: args[0], Platform: platform, Priority: prio, ComplianceMode: mode, UserID: userID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				m, err := e.Submit(ctx, engine.SubmitOptions{
					Principal:      p,
					OrgID:          p.OrgID,
					UserID:         userID,
					Query:          args[0],
					Platform:       platform,
					Priority:       prio,
					ComplianceMode: mode,
				})
				if err != nil {
					return err
				}
				return printMissions([]domain.Mission{m})
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "linkedin, google_maps, google_news, tiktok, producthunt, reddit or real_estate")
	cmd.Flags().StringVar(&mode, "compliance", "", "standard or strict")
	cmd.Flags().StringVar(&userID, "user", "", "submitting user id (defaults to the actor)")
	cmd.Flags().IntVar(&priority, "priority", 1, "priority 0..10")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func missionListCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, remote, err := remoteClient()
			if err != nil {
				return err
			}
			if remote {
				page, err := client.ListMissions(cmd.Context(), limit, cursor)
				if err != nil {
					return err
				}
				return printJSONOrTable(page)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				items, next, err := e.ListMissions(ctx, p.OrgID, limit, cursor)
				if err != nil {
					return err
				}
				if err := printMissions(items); err != nil {
					return err
				}
				if next != "" && !viper.GetBool("json") {
					fmt.Printf("next cursor: %s\n", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func missionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, remote, err := remoteClient()
			if err != nil {
				return err
			}
			if remote {
				m, terminal, err := client.CancelMission(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if terminal {
					fmt.Printf("mission %s already %s\n", m.ID, m.Status)
					return nil
				}
				return printJSONOrTable(m)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				m, err := e.CancelMission(ctx, args[0], p.ActorID)
				if errors.Is(err, domain.ErrAlreadyTerminal) {
					fmt.Printf("mission %s already %s\n", m.ID, m.Status)
					return nil
				}
				if err != nil {
					return err
				}
				return printMissions([]domain.Mission{m})
			})
		},
	}
}

func missionWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow mission status changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				s := statussync.New(e, p.OrgID, statussync.Options{
					Config:      e.Config.Sync,
					PullTimeout: e.Config.Timeouts.Pull,
					ActorID:     p.ActorID,
					Logger:      e.Logger,
				})
				errc := make(chan error, 1)
				go func() { errc <- s.Run(ctx) }()
				for u := range s.Updates() {
					if viper.GetBool("json") {
						_ = printJSON(map[string]any{"kind": u.Kind, "mission": u.Mission, "previous": u.Previous, "error": errString(u.Err)})
						continue
					}
					switch u.Kind {
					case statussync.StatusChanged:
						fmt.Printf("%s  %-10s -> %-10s %s\n", u.Mission.ID, u.Previous, u.Mission.Status, truncate(u.Mission.Query, 48))
					case statussync.SyncDegraded:
						fmt.Printf("sync degraded: %v\n", u.Err)
					case statussync.SyncRecovered:
						fmt.Println("sync recovered")
					}
				}
				return <-errc
			})
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func bulkCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bulk", Short: "Submit queries from files"}
	cmd.AddCommand(bulkImportCmd())
	cmd.AddCommand(bulkWatchCmd())
	return cmd
}

type bulkFlags struct {
	platform string
	mode     string
	priority int
}

func (f *bulkFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.platform, "platform", "", "platform for every query")
	cmd.Flags().StringVar(&f.mode, "compliance", "", "standard or strict")
	cmd.Flags().IntVar(&f.priority, "priority", 1, "priority 0..10")
	_ = cmd.MarkFlagRequired("platform")
}

func (f *bulkFlags) options(cmd *cobra.Command, orgID string) bulk.Options {
	return bulk.Options{
		OrgID:          orgID,
		Platform:       f.platform,
		Priority:       optionalInt(cmd, "priority", f.priority),
		ComplianceMode: f.mode,
	}
}

// withCoordinator builds a coordinator that submits locally or, with
// --server, through the API.
func withCoordinator(ctx context.Context, fn func(context.Context, bulk.Coordinator, string) error) error {
	client, remote, err := remoteClient()
	if err != nil {
		return err
	}
	if remote {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		defer logger.Sync()
		coord := bulk.Coordinator{
			Submitter:      remoteSubmitter{client: client},
			MaxQueryLength: cfg.Submit.MaxQueryLength,
			Logger:         logger,
		}
		return fn(ctx, coord, client.OrgID)
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, p auth.Principal) error {
		coord := bulk.Coordinator{
			Submitter:      bulk.EngineSubmitter{Engine: e, Principal: p},
			MaxQueryLength: e.Config.Submit.MaxQueryLength,
			Logger:         e.Logger,
		}
		return fn(ctx, coord, p.OrgID)
	})
}

func bulkImportCmd() *cobra.Command {
	var flags bulkFlags
	var text bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Submit every query in a CSV (first column) or text file (one per line)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src bulk.Source = bulk.FileSource(args[0])
			if text || filepath.Ext(args[0]) == ".txt" {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				src = bulk.TextSource(string(data))
			}
			return withCoordinator(cmd.Context(), func(ctx context.Context, coord bulk.Coordinator, orgID string) error {
				report, err := coord.Run(ctx, src, flags.options(cmd, orgID))
				if err != nil {
					return err
				}
				return printReport(report)
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&text, "text", false, "treat the file as one query per line")
	return cmd
}

func bulkWatchCmd() *cobra.Command {
	var flags bulkFlags
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Submit every CSV dropped into a directory until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, coord bulk.Coordinator, orgID string) error {
				w := &bulk.Watcher{
					Dir:         args[0],
					Coordinator: coord,
					Options:     flags.options(cmd, orgID),
					Settle:      settle,
					Logger:      coord.Logger,
					OnReport: func(path string, r bulk.Report, err error) {
						if err != nil {
							coord.Logger.Warn("bulk file failed", zap.String("path", path), zap.Error(err))
							return
						}
						fmt.Printf("%s: %d created, %d failed, %d malformed\n", filepath.Base(path), len(r.Created), len(r.Failed), len(r.Malformed))
					},
				}
				fmt.Printf("Watching %s for CSV files\n", args[0])
				return w.Run(ctx)
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().DurationVar(&settle, "settle", 300*time.Millisecond, "quiet period before a file is read")
	return cmd
}

func printReport(r bulk.Report) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("%s: %d queries, %d created, %d failed, %d malformed\n", r.Source, r.Queries, len(r.Created), len(r.Failed), len(r.Malformed))
	var rows []table.Row
	for _, f := range r.Failed {
		rows = append(rows, table.Row{"failed", "", truncate(f.Query, 40), f.Error})
	}
	for _, m := range r.Malformed {
		rows = append(rows, table.Row{"malformed", m.Line, truncate(m.Text, 40), m.Reason})
	}
	if len(rows) == 0 {
		return nil
	}
	return printTable(r, table.Row{"Kind", "Line", "Query", "Reason"}, rows)
}

// remoteSubmitter sends batches through the HTTP API.
type remoteSubmitter struct {
	client *missionlinesdk.Client
}

func (s remoteSubmitter) SubmitBulk(ctx context.Context, req bulk.Request) ([]bulk.Outcome, error) {
	rep, err := s.client.SubmitBulk(ctx, missionlinesdk.BulkRequest{
		Items:          req.Items,
		Platform:       req.Platform,
		Priority:       req.Priority,
		ComplianceMode: req.ComplianceMode,
	})
	if err != nil {
		return nil, err
	}
	// created and failed both preserve item order
	out := make([]bulk.Outcome, len(req.Items))
	created, failed := 0, 0
	for i, item := range req.Items {
		out[i].Item = item
		switch {
		case failed < len(rep.Failed) && rep.Failed[failed].Query == item:
			out[i].Err = errors.New(rep.Failed[failed].Error)
			failed++
		case created < len(rep.Created):
			out[i].MissionID = rep.Created[created]
			created++
		default:
			out[i].Err = errors.New("no outcome returned")
		}
	}
	return out, nil
}
