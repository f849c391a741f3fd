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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"casetrail/internal/app"
	"casetrail/internal/config"
	"casetrail/internal/db"
	"casetrail/internal/domain"
	"casetrail/internal/engine"
	"casetrail/internal/repo"
	"casetrail/internal/server"
	"casetrail/internal/status"
)

var rootCmd = &cobra.Command{
	Use:   "ct",
	Short: "Casetrail CLI",
	Long: `Casetrail tracks business cases through a staged review workflow.
A case moves from intake through PRD, system design, effort, cost and value
reviews to a final decision. Section agents draft each artifact; humans edit,
submit and approve. Every transition lands in the case history.`,
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
	viper.SetEnvPrefix("CASETRAIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringSlice("roles", nil, "roles assumed by the actor (repeatable)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("roles", rootCmd.PersistentFlags().Lookup("roles"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(rateCardCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func principal() engine.Principal {
	return engine.Principal{
		ActorID: viper.GetString("actor-id"),
		Roles:   viper.GetStringSlice("roles"),
	}
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage business cases",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseActionsCmd())
	c.AddCommand(caseActCmd())
	c.AddCommand(caseEditCmd())
	c.AddCommand(caseExportCmd())
	c.AddCommand(caseRetryCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var title, problem string
	var links []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a business case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.CreateCase(ctx, principal(), title, problem, links)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "case title")
	cmd.Flags().StringVar(&problem, "problem", "", "problem statement")
	cmd.Flags().StringArrayVar(&links, "link", []string{}, "relevant link (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("problem")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List business cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				cases, err := a.Engine.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Version", "Updated"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.OwnerID, c.Version, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a business case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions <id>",
		Short: "List actions the actor may perform now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				actions, err := a.Engine.AllowedActions(ctx, principal(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(actions)
			})
		},
	}
	return cmd
}

func caseActCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "act <id> <action>",
		Short: "Perform a workflow action",
		Long:  "Runs one workflow action (request_prd_draft, submit_prd, approve_prd, ...) and dispatches any agent work it triggers.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				caseID := args[0]
				action := status.Action(args[1])
				c, effects, err := runAction(ctx, a.Engine, principal(), caseID, action, version)
				if err != nil {
					return err
				}
				if len(effects) > 0 {
					orch, err := a.Orchestrator()
					if err != nil {
						return err
					}
					if err := orch.OnTransition(ctx, caseID, effects); err != nil {
						return err
					}
					c, err = a.Engine.Repo.GetCase(ctx, caseID)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected case version (0 skips the check)")
	return cmd
}

// runAction maps a workflow action name onto the matching engine method.
func runAction(ctx context.Context, e engine.Engine, p engine.Principal, caseID string, action status.Action, version int64) (domain.BusinessCase, []status.Effect, error) {
	switch action {
	case status.ActionRequestPRDDraft:
		return e.RequestPRDDraft(ctx, p, caseID, version)
	case status.ActionSubmitPRD:
		return e.SubmitDraft(ctx, p, caseID, engine.DraftKindPRD, version)
	case status.ActionApprovePRD:
		return e.DecidePRD(ctx, p, caseID, true, version)
	case status.ActionRejectPRD:
		return e.DecidePRD(ctx, p, caseID, false, version)
	case status.ActionSubmitSystemDesign:
		return e.SubmitDraft(ctx, p, caseID, engine.DraftKindSystemDesign, version)
	case status.ActionApproveDesign:
		return e.DecideSystemDesign(ctx, p, caseID, true, version)
	case status.ActionRejectDesign:
		return e.DecideSystemDesign(ctx, p, caseID, false, version)
	case status.ActionSubmitEffort:
		return e.SubmitEffort(ctx, p, caseID, version)
	case status.ActionApproveEffort:
		return e.DecideEffort(ctx, p, caseID, true, version)
	case status.ActionRejectEffort:
		return e.DecideEffort(ctx, p, caseID, false, version)
	case status.ActionSubmitCost:
		return e.SubmitCost(ctx, p, caseID, version)
	case status.ActionApproveCost:
		return e.DecideCost(ctx, p, caseID, true, version)
	case status.ActionRejectCost:
		return e.DecideCost(ctx, p, caseID, false, version)
	case status.ActionSubmitValue:
		return e.SubmitValue(ctx, p, caseID, version)
	case status.ActionApproveValue:
		return e.DecideValue(ctx, p, caseID, true, version)
	case status.ActionRejectValue:
		return e.DecideValue(ctx, p, caseID, false, version)
	case status.ActionSubmitFinal:
		return e.SubmitFinalApproval(ctx, p, caseID, version)
	case status.ActionApproveFinal:
		return e.DecideFinal(ctx, p, caseID, true, version)
	case status.ActionRejectFinal:
		return e.DecideFinal(ctx, p, caseID, false, version)
	default:
		return domain.BusinessCase{}, nil, fmt.Errorf("unknown or non-interactive action %q", action)
	}
}

func caseEditCmd() *cobra.Command {
	var section, file string
	var version int64
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Replace a draft section from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := ""
			switch section {
			case "prd":
				kind = engine.DraftKindPRD
			case "system-design":
				kind = engine.DraftKindSystemDesign
			default:
				return fmt.Errorf("--section must be prd or system-design")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				c, err := a.Engine.UpdateDraft(ctx, principal(), args[0], kind, string(data), version)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&section, "section", "prd", "section to edit (prd, system-design)")
	cmd.Flags().StringVar(&file, "file", "", "path to markdown content")
	cmd.Flags().Int64Var(&version, "version", 0, "expected case version (0 skips the check)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func caseExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export the consolidated case document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				doc, err := a.Engine.ExportMarkdown(ctx, args[0])
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(doc)
					return nil
				}
				return os.WriteFile(out, []byte(doc), 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write to file instead of stdout")
	return cmd
}

func caseRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-run the agent for the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				orch, err := a.Orchestrator()
				if err != nil {
					return err
				}
				if err := orch.Retry(ctx, args[0]); err != nil {
					return err
				}
				c, err := a.Engine.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "history",
		Short: "Case audit log",
	}
	h.AddCommand(historyTailCmd())
	return h
}

func historyTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <case-id>",
		Short: "Show the most recent history entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				entries, err := a.Engine.Repo.ListHistory(ctx, args[0], n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Source", "Type", "Actor", "Content"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Source, e.MessageType, e.ActorID, truncate(e.Content, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func rateCardCmd() *cobra.Command {
	rc := &cobra.Command{
		Use:   "rate-card",
		Short: "Manage rate cards",
	}
	rc.AddCommand(rateCardListCmd())
	rc.AddCommand(rateCardSetCmd())
	rc.AddCommand(rateCardRmCmd())
	return rc
}

func rateCardListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rate cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				cards, err := a.Engine.Repo.ListRateCards(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Currency", "Roles", "Default", "Active"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.Name, c.Currency, len(c.Rates), c.IsDefault, c.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active cards")
	return cmd
}

func rateCardSetCmd() *cobra.Command {
	var name, currency, ratesJSON string
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update a rate card",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rates map[string]float64
			if err := json.Unmarshal([]byte(ratesJSON), &rates); err != nil {
				return fmt.Errorf("invalid --rates-json: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				now := time.Now().UTC().Format(time.RFC3339)
				card := domain.RateCard{
					ID:        uuid.NewString(),
					Name:      name,
					Currency:  currency,
					Rates:     rates,
					IsDefault: isDefault,
					IsActive:  true,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if existing, err := a.Engine.Repo.GetRateCardByName(ctx, name); err == nil {
					card.ID = existing.ID
					card.CreatedAt = existing.CreatedAt
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Engine.Repo.UpsertRateCard(ctx, tx, card); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rate card name")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency code")
	cmd.Flags().StringVar(&ratesJSON, "rates-json", "", `role rates, e.g. {"backend_engineer":120}`)
	cmd.Flags().BoolVar(&isDefault, "default", false, "make this the default card")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("rates-json")
	return cmd
}

func rateCardRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Deactivate a rate card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Repo.DeactivateRateCard(ctx, args[0])
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "role",
		Short: "Role assignments",
	}
	r.AddCommand(roleGrantCmd())
	r.AddCommand(roleRevokeCmd())
	r.AddCommand(roleListCmd())
	return r
}

func roleGrantCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Engine.Auth.EnsureActor(ctx, tx, actor); err != nil {
					return err
				}
				if err := a.Engine.Repo.InsertRole(ctx, tx, role, ""); err != nil {
					return err
				}
				if err := a.Engine.Repo.AssignRole(ctx, tx, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Engine.Repo.RevokeRole(ctx, tx, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func roleListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List role assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				assignments, err := a.Engine.Repo.ListRoleAssignments(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(assignments)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "auth",
		Short: "Tokens and API keys",
	}
	a.AddCommand(authTokenCmd())
	a.AddCommand(authAPIKeyCmd())
	return a
}

func authTokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("CASETRAIL_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("CASETRAIL_JWT_SECRET is required")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			now := time.Now()
			claims := jwt.MapClaims{
				"sub": subject,
				"iat": now.Unix(),
				"exp": now.Add(ttl).Unix(),
			}
			if len(roles) > 0 {
				claims["roles"] = roles
			}
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
			signed, err := token.SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func authAPIKeyCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Mint an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Engine.Auth.EnsureActor(ctx, tx, actor); err != nil {
					return err
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("api key for %s (shown once): %s\n", actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default casetrail.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "casetrail", "service name")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate casetrail.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			orch, err := a.Orchestrator()
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CASETRAIL_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CASETRAIL_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(cmd.Context(), server.Config{
				Engine:       a.Engine,
				Orchestrator: orch,
				BasePath:     basePath,
				Auth:         authCfg,
			})
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
			fmt.Printf("Serving Casetrail API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
