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
	"go.uber.org/zap"

	"questline/internal/app"
	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/repo"
	"questline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Questline CLI",
	Long: `Questline tracks quests: posted work items that a performer claims, works
on, and submits, and that both parties then attest as complete. Completion
pays the performer XP and reputation exactly once; reward applications that
fail transiently are queued and retried by a recovery sweep.
- Workspace: the .questline directory holding the database and config.
- Quest: a work item flowing OPEN -> CLAIMED -> SUBMITTED -> COMPLETE,
  with DISPUTED and EXPIRED as the other exits.
- Attestation: one party's signed-off rating of the submitted work; the
  second of the pair completes the quest.
- Failed reward: a reward that could not be applied inline, waiting for
  'ql rewards sweep' (or the serve loop) to retry it.
- Event log: diary of changes, view with 'ql log tail'.`,
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
	viper.SetEnvPrefix("QUESTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(questCmd())
	rootCmd.AddCommand(rewardsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userShowCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = viper.GetString("user-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (defaults to --user-id)")
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func questCmd() *cobra.Command {
	quest := &cobra.Command{
		Use:   "quest",
		Short: "Manage quests",
		Long:  "Quests are posted work items. Creators post them, performers claim and submit, and both sides attest completion.",
	}
	quest.AddCommand(questCreateCmd())
	quest.AddCommand(questListCmd())
	quest.AddCommand(questShowCmd())
	quest.AddCommand(questClaimCmd())
	quest.AddCommand(questSubmitCmd())
	quest.AddCommand(questAttestCmd())
	quest.AddCommand(questDisputeCmd())
	quest.AddCommand(questExpireCmd())
	quest.AddCommand(questAttestationsCmd())
	return quest
}

func questCreateCmd() *cobra.Command {
	var opts engine.QuestCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a quest",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatorID = viper.GetString("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.CreateQuest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "quest id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.RewardXP, "xp", 0, "XP reward")
	cmd.Flags().IntVar(&opts.RewardReputation, "reputation", 0, "reputation reward")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func questListCmd() *cobra.Command {
	var f repo.QuestFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quests",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.QuestStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				quests, err := e.Repo.ListQuests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(quests)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Creator", "Performer", "XP", "Rep"})
				for _, q := range quests {
					performer := ""
					if q.PerformerID != nil {
						performer = *q.PerformerID
					}
					tw.AppendRow(table.Row{q.ID, q.Title, q.Status, q.CreatorID, performer, q.RewardXP, q.RewardReputation})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().StringVar(&f.PerformerID, "performer", "", "performer filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func questShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.Repo.GetQuest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	return cmd
}

func questClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.ClaimQuest(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	return cmd
}

func questSubmitCmd() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit work evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.SubmitWork(ctx, args[0], viper.GetString("user-id"), evidence)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence (link or text)")
	return cmd
}

func questAttestCmd() *cobra.Command {
	var rating int
	var comment string
	cmd := &cobra.Command{
		Use:   "attest <id>",
		Short: "Attest completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.AttestCompletion(ctx, args[0], viper.GetString("user-id"), rating, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func questDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Dispute a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.DisputeQuest(ctx, args[0], viper.GetString("user-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	return cmd
}

func questExpireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire-stale",
		Short: "Expire quests past their inactivity window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireStaleQuests(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"expired": n})
			})
		},
	}
	return cmd
}

func questAttestationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attestations <id>",
		Short: "List attestations for a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAttestations(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func rewardsCmd() *cobra.Command {
	rewards := &cobra.Command{
		Use:   "rewards",
		Short: "Failed reward recovery",
		Long:  "Rewards that could not be applied at completion time sit in a pending queue. The sweep retries them under a lease; entries past the retry budget are abandoned for operator attention.",
	}
	rewards.AddCommand(rewardsSweepCmd())
	rewards.AddCommand(rewardsFailedCmd())
	return rewards
}

func rewardsSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reprocess pending failed rewards once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.ReprocessFailedRewards(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	return cmd
}

func rewardsFailedCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed rewards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListFailedRewards(ctx, domain.FailedRewardStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Status", "Retries", "Last error"})
				for _, fr := range items {
					tw.AppendRow(table.Row{fr.ID, fr.UserID, fr.Status, fr.RetryCount, fr.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, resolved, abandoned)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				questCounts, err := e.Repo.CountQuestsByStatus(ctx)
				if err != nil {
					return err
				}
				rewardCounts, err := e.Repo.CountFailedRewardsByStatus(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"quest_counts":         questCounts,
					"failed_reward_counts": rewardCounts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Println("Quests:")
				for status, c := range questCounts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Failed rewards:")
				for status, c := range rewardCounts {
					fmt.Printf("  %s: %d\n", status, c)
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
		Short: "Inspect workspace config",
		Long:  "Config is the policy rulebook: retry budgets, lease TTL, expiry windows, and the quest creation economy. Stored as questline.yml in the workspace.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := config.Write(workspace, config.Default()); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", config.Path(workspace))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: quest transitions, attestations, reward outcomes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, entityKind, entityID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("user-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The raw key is shown once and never stored.
				return printJSONOrTable(map[string]string{"id": key.ID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
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
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyUserHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			a.Engine.Reprocessor.Logger = logger.Named("rewards")

			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("QUESTLINE_JWT_SECRET"),
				AllowLegacyUserHeader: viper.GetBool("allow-legacy-user-header"),
				Logger:                logger.Named("auth"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("QUESTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(cmd.Context(), server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			go runSweepLoop(cmd.Context(), a.Engine, logger.Named("sweep"))

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving Questline API", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyUserHeader, "allow-legacy-user-header", false,
		"accept the deprecated X-User-Id header as identity when no credentials are sent")
	_ = viper.BindPFlag("allow-legacy-user-header", cmd.Flags().Lookup("allow-legacy-user-header"))
	return cmd
}

// runSweepLoop drives the two background maintenance jobs: failed reward
// reprocessing and quest expiry. Each runs on its own interval from config.
func runSweepLoop(ctx context.Context, e engine.Engine, logger *zap.Logger) {
	rewardTicker := time.NewTicker(e.Config.Rewards.SweepInterval.D())
	expireTicker := time.NewTicker(e.Config.Quests.ExpireInterval.D())
	defer rewardTicker.Stop()
	defer expireTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rewardTicker.C:
			summary, err := e.ReprocessFailedRewards(ctx)
			if err != nil {
				logger.Warn("reward sweep failed", zap.Error(err))
				continue
			}
			if summary.Processed > 0 {
				logger.Info("reward sweep",
					zap.Int("processed", summary.Processed),
					zap.Int("resolved", summary.Resolved),
					zap.Int("abandoned", summary.Abandoned))
			}
		case <-expireTicker.C:
			n, err := e.ExpireStaleQuests(ctx)
			if err != nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired stale quests", zap.Int("count", n))
			}
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
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
