package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"budgetline/internal/app"
	"budgetline/internal/config"
	"budgetline/internal/db"
	"budgetline/internal/domain"
	"budgetline/internal/engine"
	"budgetline/internal/migrate"
	"budgetline/internal/repo"
	"budgetline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Budgetline CLI",
	Long: `Budgetline tracks public spending cases through the budget execution chain.
A dossier moves through nine stages (note SEF, note AEF, imputation, passation
de marché, engagement, liquidation, ordonnancement, règlement); each stage is
validated by the role the configuration assigns to it. Procurement is skipped
below the configured threshold. Every action is journaled in the case history
and emitted as an event for dashboards and webhooks.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUDGETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("unite", "", "organizational unit id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("unite", rootCmd.PersistentFlags().Lookup("unite"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage spending cases",
		Long: `A case (dossier de dépense) is created in draft, started, then advanced
stage by stage with validate/defer/reject/return actions by the authorized roles.`,
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseStartCmd())
	c.AddCommand(caseValidateCmd())
	c.AddCommand(caseDeferCmd())
	c.AddCommand(caseRejectCmd())
	c.AddCommand(caseReturnCmd())
	c.AddCommand(caseResumeCmd())
	c.AddCommand(caseCancelCmd())
	c.AddCommand(caseCommentCmd())
	c.AddCommand(caseDelegateCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	var amount int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a spending case",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequesterID = viper.GetString("actor-id")
			if cmd.Flags().Changed("amount") {
				opts.EstimatedAmount = &amount
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.UniteID == "" {
					opts.UniteID = e.Config.Unite.ID
				}
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.UniteID, "unite-id", "", "organizational unit")
	cmd.Flags().IntVar(&opts.Exercice, "exercice", 0, "budget year (defaults from config)")
	cmd.Flags().StringVar(&opts.Objet, "objet", "", "purpose of the spending")
	cmd.Flags().Int64Var(&amount, "amount", 0, "estimated amount in FCFA")
	_ = cmd.MarkFlagRequired("objet")
	return cmd
}

func caseListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List spending cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, err := e.Repo.ListCases(ctx, e.Config.Unite.ID, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reference", "Objet", "Stage", "Status", "Estimated"})
				for _, c := range cases {
					estimated := ""
					if c.EstimatedAmount != nil {
						estimated = fmt.Sprintf("%d", *c.EstimatedAmount)
					}
					tw.AppendRow(table.Row{c.Reference, c.Objet, c.CurrentStage, c.Status, estimated})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of cases")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a spending case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start the workflow for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				c, err := e.Start(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseValidateCmd() *cobra.Command {
	var entityID string
	var amount int64
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Validate the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AdvanceOptions{
				CaseID:   args[0],
				Action:   domain.ActionValidate,
				EntityID: entityID,
			}
			if cmd.Flags().Changed("amount") {
				opts.Amount = &amount
			}
			return runAction(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&entityID, "entity-id", "", "id of the entity produced by this stage")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount attached to this stage in FCFA")
	return cmd
}

func caseDeferCmd() *cobra.Command {
	var motif, resumeDate string
	cmd := &cobra.Command{
		Use:   "defer <id>",
		Short: "Defer the current stage with a motif",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), engine.AdvanceOptions{
				CaseID:     args[0],
				Action:     domain.ActionDefer,
				Motif:      motif,
				ResumeDate: resumeDate,
			})
		},
	}
	cmd.Flags().StringVar(&motif, "motif", "", "reason for deferring")
	cmd.Flags().StringVar(&resumeDate, "resume-date", "", "expected resume date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("motif")
	return cmd
}

func caseRejectCmd() *cobra.Command {
	var motif string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject the current stage with a motif",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), engine.AdvanceOptions{
				CaseID: args[0],
				Action: domain.ActionReject,
				Motif:  motif,
			})
		},
	}
	cmd.Flags().StringVar(&motif, "motif", "", "reason for rejection")
	_ = cmd.MarkFlagRequired("motif")
	return cmd
}

func caseReturnCmd() *cobra.Command {
	var motif string
	cmd := &cobra.Command{
		Use:   "return <id>",
		Short: "Send the case back to the previous stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), engine.AdvanceOptions{
				CaseID: args[0],
				Action: domain.ActionReturn,
				Motif:  motif,
			})
		},
	}
	cmd.Flags().StringVar(&motif, "motif", "", "reason for returning")
	return cmd
}

func caseResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a deferred case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				c, err := e.Resume(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseCancelCmd() *cobra.Command {
	var motif string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a case definitively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), engine.AdvanceOptions{
				CaseID: args[0],
				Action: domain.ActionCancel,
				Motif:  motif,
			})
		},
	}
	cmd.Flags().StringVar(&motif, "motif", "", "reason for cancellation")
	return cmd
}

func caseCommentCmd() *cobra.Command {
	var motif string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Add a comment to the case timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), engine.AdvanceOptions{
				CaseID: args[0],
				Action: domain.ActionComment,
				Motif:  motif,
			})
		},
	}
	cmd.Flags().StringVar(&motif, "message", "", "comment text")
	return cmd
}

func caseDelegateCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "delegate <id>",
		Short: "Delegate the current stage to another actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), engine.AdvanceOptions{
				CaseID:     args[0],
				Action:     domain.ActionDelegate,
				DelegateTo: to,
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "actor receiving the delegation")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show workflow status and available actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				st, err := e.Status(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				if !st.Exists {
					fmt.Println("workflow not started")
					return nil
				}
				fmt.Printf("Case: %s\nStage: %s\nStatus: %s\n", st.CaseID, st.CurrentStage, st.Status)
				if st.WorkflowComplete {
					fmt.Println("Workflow: complete")
				}
				if len(st.AvailableActions) > 0 {
					var actions []string
					for _, a := range st.AvailableActions {
						actions = append(actions, string(a))
					}
					fmt.Printf("Available actions: %s\n", strings.Join(actions, ", "))
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Validator", "Validated at"})
				for _, s := range st.Steps {
					tw.AppendRow(table.Row{s.Stage, s.Status, deref(s.ValidatorID), deref(s.ValidatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the case timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hist, err := e.Repo.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hist)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "Stage", "Actor", "Detail"})
				for _, h := range hist {
					tw.AppendRow(table.Row{h.TS, h.Action, h.Stage, h.ActorID, h.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show case counts per stage and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				byStage, err := e.Repo.CountCasesByStage(ctx, e.Config.Unite.ID)
				if err != nil {
					return err
				}
				byStatus, err := e.Repo.CountCasesByStatus(ctx, e.Config.Unite.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"unite_id":  e.Config.Unite.ID,
					"by_stage":  byStage,
					"by_status": byStatus,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Unite: %s\nBy stage:\n", e.Config.Unite.ID)
				for stage, n := range byStage {
					fmt.Printf("  %s: %d\n", stage, n)
				}
				fmt.Println("By status:")
				for status, n := range byStatus {
					fmt.Printf("  %s: %d\n", status, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage unit configuration",
		Long: `Configuration carries the budget year, the procurement threshold, the
profile/role matrix, and webhook targets. It is stored per unit in the DB and
can be seeded from budgetline.yml.`,
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var uniteID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default budgetline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if uniteID == "" {
				uniteID = "daf"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(uniteID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&uniteID, "unite-id", "", "organizational unit id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				uniteID := cfg.Unite.ID
				if err := r.UpsertUniteConfig(ctx, uniteID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Manage actors and profiles",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacSetCmd())
	cmd.AddCommand(rbacListCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's profile, roles and routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id": actor.ID,
					"profile":  actor.Profile,
					"role":     actor.Role,
					"level":    actor.Level,
					"roles":    e.Perms.ExpandRoles(actor.Profile),
					"routes":   e.Perms.AccessibleRoutes(actor),
				})
			})
		},
	}
	return cmd
}

func rbacSetCmd() *cobra.Command {
	var target, profile, role string
	var level int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Assign a profile to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || profile == "" {
				return fmt.Errorf("--actor and --profile required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				a := domain.Actor{ID: target, Profile: domain.Profile(profile), Role: role, Level: level}
				if err := r.UpsertActor(ctx, tx, a, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&profile, "profile", "", "functional profile")
	cmd.Flags().StringVar(&role, "role", "", "hierarchical role (DG, CB, ORDONNATEUR, TRESORERIE)")
	cmd.Flags().IntVar(&level, "level", 0, "hierarchical level (1..5)")
	return cmd
}

func rbacListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actors, err := r.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Profile", "Role", "Level"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.Profile, a.Role, a.Level})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey, err := repo.NewRawKey()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// Printed once; only the hash is stored.
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, deref(k.LastUsedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail change events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Unite.ID, evtType, "", entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveUniteAndConfig(cmd.Context(), workspace, viper.GetString("unite"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BUDGETLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("BUDGETLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Budgetline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// runAction resolves the acting user and applies one workflow action.
func runAction(ctx context.Context, opts engine.AdvanceOptions) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actor, err := resolveActor(ctx, e.Repo)
		if err != nil {
			return err
		}
		opts.Actor = actor
		res, err := e.Advance(ctx, opts)
		if err != nil {
			return err
		}
		return printJSONOrTable(res)
	})
}

// resolveActor loads the acting user from the actors table. Unknown actors act
// as operateur.
func resolveActor(ctx context.Context, r repo.Repo) (domain.Actor, error) {
	id := viper.GetString("actor-id")
	a, err := r.GetActor(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{ID: id, Profile: domain.ProfileOperateur}, nil
		}
		return domain.Actor{}, err
	}
	return a, nil
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveUniteAndConfig(ctx, workspace, viper.GetString("unite"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
