package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewline/internal/catalog"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/export"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/server"
	"reviewline/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reviewline CLI",
	Long: `Reviewline runs a multi-participant contest review workflow.
Participants register and are bound to curators round-robin; each task
submission lands in exactly one curator's queue, oldest first, and every
accept or reject is conditional so no task is ever scored twice.`,
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
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(contestCmd())
	rootCmd.AddCommand(curatorCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(standingsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the contest workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.InitContest(ctx, name, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("workspace ready at", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "contest", "contest name")
	return cmd
}

func contestCmd() *cobra.Command {
	contest := &cobra.Command{Use: "contest", Short: "Manage the contest configuration"}
	cfg := &cobra.Command{Use: "config", Short: "Stored configuration"}
	cfg.AddCommand(contestConfigShowCmd())
	cfg.AddCommand(contestConfigImportCmd())
	contest.AddCommand(cfg)
	return contest
}

func contestConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored contest configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := r.GetContestConfig(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func contestConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML configuration into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if file == "" {
				var err error
				cfg, err = config.Load(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				file = config.Path(viper.GetString("workspace"))
			} else {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				cfg, err = config.FromYAML(data)
				if err != nil {
					return err
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertContestConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("config imported from %s\n", file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config (default: reviewline.yml in the workspace)")
	return cmd
}

func curatorCmd() *cobra.Command {
	cur := &cobra.Command{Use: "curator", Short: "Manage the curator lineup"}
	cur.AddCommand(curatorAddCmd())
	cur.AddCommand(curatorListCmd())
	cur.AddCommand(curatorRemoveCmd())
	cur.AddCommand(curatorInviteCmd())
	cur.AddCommand(curatorTokenCmd())
	cur.AddCommand(curatorJoinCmd())
	cur.AddCommand(curatorLoadsCmd())
	return cur
}

func curatorAddCmd() *cobra.Command {
	var name, channelID string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a curator to the tail of the rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddCurator(ctx, name, channelID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "curator display name")
	cmd.Flags().StringVar(&channelID, "channel-id", "", "curator channel identity")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("channel-id")
	return cmd
}

func curatorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List curators in rotation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				curators, err := r.ListCurators(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(curators)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ordinal", "Name", "Channel"})
				for _, c := range curators {
					tw.AppendRow(table.Row{c.Ordinal, c.Name, c.ChannelID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func curatorRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <channel-id>",
		Short: "Remove a curator, reassigning their participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				heir, err := e.RemoveCurator(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("removed; participants moved to %s (%s)\n", heir.Name, heir.ChannelID)
				return nil
			})
		},
	}
}

func curatorInviteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invite",
		Short: "Mint a one-shot curator invite token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				token, err := e.MintInviteToken(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
}

func curatorTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <channel-id>",
		Short: "Mint an API token for a curator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				token, err := e.MintCuratorToken(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
}

func curatorJoinCmd() *cobra.Command {
	var token, name, channelID string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the lineup with an invite token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.JoinByInvite(ctx, token, name, channelID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "invite token")
	cmd.Flags().StringVar(&name, "name", "", "curator display name")
	cmd.Flags().StringVar(&channelID, "channel-id", "", "curator channel identity")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("channel-id")
	return cmd
}

func curatorLoadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loads",
		Short: "Show pending queue depth per curator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loads, err := e.CuratorLoads(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(loads)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Curator", "Channel", "Pending"})
				for _, l := range loads {
					tw.AppendRow(table.Row{l.Curator.Name, l.Curator.ChannelID, l.Pending})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func participantCmd() *cobra.Command {
	part := &cobra.Command{Use: "participant", Short: "Manage participants"}
	part.AddCommand(participantRegisterCmd())
	part.AddCommand(participantListCmd())
	part.AddCommand(participantShowCmd())
	part.AddCommand(participantSetPointsCmd())
	return part
}

func participantRegisterCmd() *cobra.Command {
	var channelID, name, group string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a participant and bind a curator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, c, err := e.RegisterParticipant(ctx, channelID, name, group)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"participant": p, "curator": c})
				}
				fmt.Printf("registered %s; curator %s (%s)\n", p.Name, c.Name, c.ChannelID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channelID, "channel-id", "", "participant channel identity")
	cmd.Flags().StringVar(&name, "name", "", "participant name")
	cmd.Flags().StringVar(&group, "group", "", "participant group")
	_ = cmd.MarkFlagRequired("channel-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func participantListCmd() *cobra.Command {
	var group string
	var curatorOrdinal int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.ParticipantFilters{Group: group}
				if cmd.Flags().Changed("curator-ordinal") {
					f.CuratorOrdinal = &curatorOrdinal
				}
				participants, err := r.ListParticipants(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(participants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Channel", "Name", "Group", "Curator", "Points"})
				for _, p := range participants {
					curator := ""
					if p.CuratorOrdinal != nil {
						curator = strconv.FormatInt(*p.CuratorOrdinal, 10)
					}
					tw.AppendRow(table.Row{p.ChannelID, p.Name, p.Group, curator, p.Points})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group filter")
	cmd.Flags().Int64Var(&curatorOrdinal, "curator-ordinal", 0, "curator ordinal filter")
	return cmd
}

func participantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <channel-id>",
		Short: "Show a participant profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				prof, err := e.GetProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(prof)
			})
		},
	}
}

func participantSetPointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-points <channel-id> <points>",
		Short: "Overwrite a participant's points (admin correction)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			points, err := strconv.Atoi(args[1])
			if err != nil || points < 0 {
				return fmt.Errorf("invalid points %q", args[1])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetPoints(ctx, args[0], points); err != nil {
					return err
				}
				fmt.Println("points updated")
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Contest task catalog"}
	task.AddCommand(taskListCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var participantID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks (pass --participant to filter to available ones)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks := catalog.Tasks
				if participantID != "" {
					available, err := e.AvailableTasks(ctx, participantID)
					if err != nil {
						return err
					}
					tasks = available
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Kind", "Points"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Kind, t.Points})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&participantID, "participant", "", "participant channel id")
	return cmd
}

func submitCmd() *cobra.Command {
	sub := &cobra.Command{Use: "submit", Short: "Create submissions"}
	sub.AddCommand(submitTextCmd())
	sub.AddCommand(submitMediaCmd())
	sub.AddCommand(submitFinalizeCmd())
	sub.AddCommand(submitCancelCmd())
	return sub
}

// postEvent talks to a running `rl serve` instance: accumulation sessions
// live in that process, so finalize and cancel go over the event inlet.
func postEvent(addr, basePath, token, evtType string, payload any) error {
	body, err := json.Marshal(map[string]any{"type": evtType, "payload": payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+basePath+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("event rejected: %s: %s", res.Status, strings.TrimSpace(string(data)))
	}
	return nil
}

func eventFlags(cmd *cobra.Command, addr, token *string) {
	cmd.Flags().StringVar(addr, "addr", "127.0.0.1:8080", "running rl serve address")
	cmd.Flags().StringVar(token, "token", "", "bearer token for the event inlet")
}

func submitFinalizeCmd() *cobra.Command {
	var addr, token string
	cmd := &cobra.Command{
		Use:   "finalize <participant>",
		Short: "Close the participant's open accumulation session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postEvent(addr, "/v0", token, "finalize", map[string]any{"participant_id": args[0]})
		},
	}
	eventFlags(cmd, &addr, &token)
	return cmd
}

func submitCancelCmd() *cobra.Command {
	var addr, token string
	cmd := &cobra.Command{
		Use:   "cancel <participant>",
		Short: "Discard the participant's open accumulation session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postEvent(addr, "/v0", token, "cancel", map[string]any{"participant_id": args[0]})
		},
	}
	eventFlags(cmd, &addr, &token)
	return cmd
}

func submitTextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "text <participant> <task-id> <text...>",
		Short: "Submit a text answer",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := engine.ParseTaskID(args[1])
			if err != nil {
				return err
			}
			text := strings.Join(args[2:], " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, c, err := e.SubmitText(ctx, args[0], taskID, text)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("submission %s queued for %s\n", s.ID, c.Name)
				return nil
			})
		},
	}
}

func submitMediaCmd() *cobra.Command {
	var photos, videos []string
	var caption, text string
	cmd := &cobra.Command{
		Use:   "media <participant> <task-id>",
		Short: "Submit photo or video references",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := engine.ParseTaskID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				frags := make([]domain.Fragment, 0, len(photos)+len(videos)+1)
				for i, ref := range photos {
					frag := domain.Fragment{Kind: "photo", Ref: ref}
					if i == 0 {
						frag.Caption = caption
					}
					frags = append(frags, frag)
				}
				for _, ref := range videos {
					frags = append(frags, domain.Fragment{Kind: "video", Ref: ref})
				}
				if text != "" {
					frags = append(frags, domain.Fragment{Kind: "text", Text: text})
				}
				s, c, err := e.Submit(ctx, args[0], taskID, frags)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("submission %s queued for %s\n", s.ID, c.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&photos, "photo", []string{}, "photo reference (repeatable)")
	cmd.Flags().StringArrayVar(&videos, "video", []string{}, "video reference (repeatable)")
	cmd.Flags().StringVar(&caption, "caption", "", "caption for the first photo")
	cmd.Flags().StringVar(&text, "text", "", "accompanying text fragment")
	return cmd
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{Use: "review", Short: "Curator review queue"}
	rev.AddCommand(reviewNextCmd())
	rev.AddCommand(reviewAcceptCmd())
	rev.AddCommand(reviewRejectCmd())
	return rev
}

func reviewNextCmd() *cobra.Command {
	var curatorID string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the oldest pending submission in a curator's queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.NextForCurator(ctx, curatorID)
				if err != nil {
					if errors.Is(err, domain.ErrQueueEmpty) {
						fmt.Println("queue empty")
						return nil
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(item)
				}
				r := transport.RenderReviewItem(item)
				fmt.Println(r.Text)
				for _, m := range r.Media {
					fmt.Printf("  [%s] %s\n", m.Kind, m.Ref)
				}
				fmt.Printf("(%d pending)\n", item.QueueDepth)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&curatorID, "curator", "", "curator channel id")
	_ = cmd.MarkFlagRequired("curator")
	return cmd
}

func reviewAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <submission-id>",
		Short: "Accept a pending submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Accept(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("accepted task %d: +%d points, %d total\n", d.TaskID, d.Points, d.Total)
				return nil
			})
		},
	}
}

func reviewRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <submission-id>",
		Short: "Reject a pending submission with a reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Reject(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("rejected task %d: %s\n", d.TaskID, d.Reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason sent to the participant")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func standingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "standings",
		Short: "Show ranked contest standings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Standings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				export.RenderTable(os.Stdout, rows)
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export standings to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Standings(ctx)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					return export.WriteCSV(os.Stdout, rows)
				}
				if err := export.WriteCSVFile(out, rows); err != nil {
					return err
				}
				fmt.Println("wrote", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "standings.csv", "output path ('-' for stdout)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, limit, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, ev := range events {
					fmt.Printf("%s %-24s %s/%s by %s %s\n", ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID, ev.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
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
			cfg, err := resolveConfig(cmd.Context(), repo.Repo{DB: conn})
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:                  os.Getenv("REVIEWLINE_JWT_SECRET"),
				AllowAnonymousParticipants: allowAnonymous,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REVIEWLINE_JWT_SECRET is required for bearer auth")
			}
			router := transport.NewRouter(e, transport.LogNotifier{}, nil)
			handler, err := server.New(server.Config{Engine: e, Router: router, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "let unauthenticated clients use participant endpoints")
	return cmd
}

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
	cfg, err := resolveConfig(ctx, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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

// resolveConfig prefers the DB-stored config and falls back to defaults so
// read commands work before `rl init`.
func resolveConfig(ctx context.Context, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetContestConfig(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return config.Default("contest"), nil
		}
		return nil, err
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}
