package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mentorline/internal/chat"
	"mentorline/internal/config"
	"mentorline/internal/domain"
	"mentorline/internal/engine"
	"mentorline/internal/extract"
	"mentorline/internal/server"
	"mentorline/internal/store"
	mentorsdk "mentorline/sdk/go"
)

func goalCmd() *cobra.Command {
	goal := &cobra.Command{
		Use:   "goal",
		Short: "Manage goals",
	}
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalAddCmd())
	goal.AddCommand(goalDeleteLastCmd())
	goal.AddCommand(goalDeleteAllCmd())
	return goal
}

func goalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List goals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				goals, err := e.ListGoals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(goals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Goal", "Created"})
				for _, g := range goals {
					tw.AppendRow(table.Row{g.ID, g.Text, shortTime(g.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func goalAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <text>",
		Short: "Create a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGoal(ctx, strings.Join(args, " "), conversation())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("✅ Goal added (ID %d)\n", g.ID)
				return nil
			})
		},
	}
}

func goalDeleteLastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-last",
		Short: "Delete the most recent goal and its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.DeleteLastGoal(ctx, conversation())
				if errors.Is(err, store.ErrNotFound) {
					fmt.Println("No goals found.")
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("🗑 Deleted goal %d: %s\n", g.ID, g.Text)
				return nil
			})
		},
	}
}

func goalDeleteAllCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every goal, task and queue entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete all goals without --yes")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteAllGoals(ctx, conversation()); err != nil {
					return err
				}
				fmt.Println("❌ All goals deleted")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	task.AddCommand(&cobra.Command{
		Use:   "add <goal_id> <text>",
		Short: "Add a pending task to a goal",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			goalID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("goal_id must be a number")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTask(ctx, goalID, strings.Join(args[1:], " "), conversation())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("✅ Task added (ID %d)\n", t.ID)
				return nil
			})
		},
	})
	return task
}

func todayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Show today's queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Today(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"day": e.Day(), "tasks": tasks})
				}
				printTasks(e.Day(), tasks)
				return nil
			})
		},
	}
}

func printTasks(day string, tasks []domain.Task) {
	if len(tasks) == 0 {
		fmt.Println("🎉 No tasks today.")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Today " + day)
	tw.AppendHeader(table.Row{"#", "Task ID", "Goal", "Task"})
	for i, t := range tasks {
		tw.AppendRow(table.Row{i + 1, t.ID, t.GoalID, t.Text})
	}
	tw.Render()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "status <done|stuck|blocked>",
		Short:     "Mark the first task of today's queue",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"done", "stuck", "blocked"},
		RunE: func(cmd *cobra.Command, args []string) error {
			status, ok := domain.ParseStatus(args[0])
			if !ok {
				return fmt.Errorf("status must be done, stuck or blocked")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyStatus(ctx, status, conversation())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(chat.FormatStatusResult(res))
				if res.Applied {
					printTasks(e.Day(), res.Queue)
				}
				return nil
			})
		},
	}
}

func extractCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "Extract a goal and tasks from a plan (stdin when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			res := extract.Extract(string(data))
			if !save {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"goal": res.Goal, "has_goal": res.HasGoal, "tasks": res.Tasks, "proposable": res.Proposable()})
				}
				fmt.Println(chat.FormatProposal(chat.Proposal{Goal: res.Goal, Tasks: res.Tasks}))
				return nil
			}
			if !res.Proposable() {
				return fmt.Errorf("no goal with tasks found")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, tasks, err := e.SaveProposal(ctx, res.Goal, res.Tasks, conversation())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"goal": g, "tasks": tasks})
				}
				fmt.Printf("✅ Goal & tasks saved (goal %d, %d tasks)\n", g.ID, len(tasks))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "save the extracted goal and tasks")
	return cmd
}

func chatCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "chat <text>",
		Short: "Send one chat message, locally or to a running server",
		Long: `Without --server the message is handled in-process. Pending confirmations
(proposal yes/no, delete-all) do not survive between local invocations; use
--server to keep a conversation going against mentor serve.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			token := viper.GetString("token")
			if serverURL != "" {
				c := mentorsdk.New(serverURL, token)
				if token == "" {
					c.ConversationID = conversation()
				}
				reply, err := c.Chat(cmd.Context(), text)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reply)
				}
				printMessages(reply.Messages)
				return nil
			}
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			o := chat.New(rt.engine, chat.NewSessions(rt.cfg.SessionTTL))
			o.Logger = rt.logger
			reply, err := o.Handle(cmd.Context(), conversation(), text)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(reply)
			}
			printMessages(reply.Messages)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL, e.g. http://127.0.0.1:8080")
	cmd.Flags().String("token", "", "bearer token (default $MENTOR_TOKEN)")
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func printMessages(msgs []string) {
	for i, m := range msgs {
		if i > 0 {
			fmt.Println()
		}
		fmt.Println(m)
	}
}

func remindCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "remind <30m|1h|tomorrow>",
		Short:     "Schedule a one-shot reminder for the conversation",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{engine.Offset30m, engine.Offset1h, engine.OffsetTomorrow},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rem, err := e.RegisterReminder(ctx, conversation(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rem)
				}
				fmt.Printf("⏰ Reminder %d for %s\n", rem.ID, rem.Recipient)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show progress counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Goals", "Pending", "Done", "Stuck", "Blocked"})
				tw.AppendRow(table.Row{s.Goals, s.Pending, s.Done, s.Stuck, s.Blocked})
				tw.Render()
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent activity events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.RecentEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range evs {
					entity := ev.EntityKind
					if ev.EntityID != "" {
						entity += ":" + ev.EntityID
					}
					tw.AppendRow(table.Row{ev.ID, shortTime(ev.TS), ev.Type, entity, ev.ActorID, ev.Payload})
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
		Short: "Workspace configuration",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default mentor.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Server.JWTSecret != "" {
				redacted.Server.JWTSecret = "***"
			}
			if redacted.Storage.URL != "" && redacted.Storage.Driver == "postgres" {
				redacted.Storage.URL = "***"
			}
			return printJSON(redacted)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"valid": false, "error": err.Error()})
				}
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true})
			}
			fmt.Println("config is valid")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl string
	cmd := &cobra.Command{
		Use:   "token <conversation_id>",
		Short: "Mint a bearer token for a conversation (needs MENTOR_JWT_SECRET)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := parseTTL(ttl)
			if err != nil {
				return err
			}
			tok, err := server.SignToken(cfg.Server.JWTSecret, args[0], d)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&ttl, "ttl", "720h", "token lifetime, 0 for no expiry")
	return cmd
}
