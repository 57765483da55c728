package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/telemetry"
	missionlinesdk "missionline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline runs lead-generation missions and delivers their results.
- Mission: one search query on one platform; queued -> processing -> completed/failed, cancellable until terminal.
- Results: leads a worker appends to a mission, scored for intent and clarity.
- Endpoints: webhooks that receive each result once its intent crosses the endpoint threshold.
- Deliveries: one record per attempt; failures retry with backoff and can be re-armed.

Commands run against the local workspace database, or against a server when --server is set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("server") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("org", "", "org id (defaults to the only org in the workspace)")
	flags.String("server", "", "API base URL; commands go over HTTP when set")
	flags.String("api-key", "", "API key for --server")
	flags.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "server", "api-key", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(missionsCmd())
	rootCmd.AddCommand(bulkCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(endpointsCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(orgsCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var credits int
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orgID := viper.GetString("org")
				if orgID == "" {
					fmt.Printf("Initialized workspace %s\n", workspace)
					return nil
				}
				org, err := app.ResolveOrg(ctx, orgID, viper.GetString("actor-id"), r)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("credits") {
					if err := r.UpdateOrg(ctx, org.ID, nil, &credits); err != nil {
						return err
					}
					org.Credits = credits
				}
				return printOrgs([]domain.Organization{org})
			})
		},
	}
	cmd.Flags().IntVar(&credits, "credits", app.DefaultLocalCredits, "credits for the org given with --org")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("workspace"))
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := telemetry.LoggerFromConfig(cfg)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// withEngine opens the workspace and resolves the active org. The principal
// is the local actor acting inside that org.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, auth.Principal) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	actorID := viper.GetString("actor-id")
	org, err := app.ResolveOrg(ctx, viper.GetString("org"), actorID, r)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()
	e := engine.New(conn, cfg)
	e.Logger = logger
	return fn(ctx, e, auth.Principal{ActorID: actorID, OrgID: org.ID, Roles: []string{auth.RoleAdmin}})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// remoteClient returns an API client when --server is set.
func remoteClient() (*missionlinesdk.Client, bool, error) {
	base := viper.GetString("server")
	if base == "" {
		return nil, false, nil
	}
	org := viper.GetString("org")
	if org == "" {
		return nil, true, fmt.Errorf("--org is required with --server")
	}
	c := missionlinesdk.New(base, org)
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	return c, true, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows with go-pretty unless --json is set, in which case
// raw is printed instead.
func printTable(raw any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func printMissions(items []domain.Mission) error {
	rows := make([]table.Row, 0, len(items))
	for _, m := range items {
		rows = append(rows, table.Row{m.ID, m.Platform, m.Status, m.Priority, truncate(m.Query, 48), m.CreatedAt})
	}
	return printTable(items, table.Row{"ID", "Platform", "Status", "Priority", "Query", "Created"}, rows)
}

func printOrgs(items []domain.Organization) error {
	rows := make([]table.Row, 0, len(items))
	for _, o := range items {
		rows = append(rows, table.Row{o.ID, o.Name, o.Status, o.Credits})
	}
	return printTable(items, table.Row{"ID", "Name", "Status", "Credits"}, rows)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func optionalInt(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func optionalString(cmd *cobra.Command, name string, v string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func optionalBool(cmd *cobra.Command, name string, v bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}
