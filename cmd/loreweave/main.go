// Command loreweave is the operator CLI: replay turn fixtures through the
// engine, inspect the activation log, and convert memories to lore.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daverage/loreweave/internal/actlog"
	"github.com/daverage/loreweave/internal/config"
	"github.com/daverage/loreweave/internal/engine"
	"github.com/daverage/loreweave/internal/entry"
	"github.com/daverage/loreweave/internal/logging"
	"github.com/daverage/loreweave/internal/match"
	"github.com/daverage/loreweave/internal/similarity"
	"github.com/daverage/loreweave/internal/storage"
)

var version = "dev"

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *storage.DB
	engine *engine.Engine
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	index, err := similarity.NewIndex(similarity.HashEmbedding(0))
	if err != nil {
		db.Close()
		logger.Sync()
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		engine: engine.New(cfg, db, index, logger),
	}, nil
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "loreweave",
		Short:         "Knowledge activation and context assembly engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")

	rootCmd.AddCommand(
		versionCmd(),
		replayCmd(&configPath),
		logCmd(&configPath),
		convertCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("loreweave", version)
		},
	}
}

// replayTurn is one line of a replay fixture file.
type replayTurn struct {
	ConversationID     string       `json:"conversation_id"`
	UserID             string       `json:"user_id"`
	MessageIndex       int          `json:"message_index"`
	Role               entry.Role   `json:"role"`
	Text               string       `json:"text"`
	History            []match.Turn `json:"history,omitempty"`
	BotID              string       `json:"bot_id,omitempty"`
	PersonaID          string       `json:"persona_id,omitempty"`
	PrevPersonaID      string       `json:"prev_persona_id,omitempty"`
	BotDescription     string       `json:"bot_description,omitempty"`
	PersonaDescription string       `json:"persona_description,omitempty"`
}

func replayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <turns.jsonl>",
		Short: "Replay a JSONL file of turns through the engine",
		Long: `Replay reads one JSON turn per line, groups turns by conversation, and
processes conversations in parallel while keeping each conversation's turns
in order. Each turn's assembled blocks are printed to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			turns, err := readTurns(args[0])
			if err != nil {
				return err
			}

			byConv := make(map[string][]replayTurn)
			for _, t := range turns {
				byConv[t.ConversationID] = append(byConv[t.ConversationID], t)
			}
			convIDs := make([]string, 0, len(byConv))
			for id := range byConv {
				convIDs = append(convIDs, id)
			}
			sort.Strings(convIDs)

			g, ctx := errgroup.WithContext(cmd.Context())
			for _, id := range convIDs {
				seq := byConv[id]
				g.Go(func() error {
					for _, t := range seq {
						res, err := a.engine.ProcessTurn(ctx, engine.TurnInput{
							ConversationID:     t.ConversationID,
							UserID:             t.UserID,
							MessageIndex:       t.MessageIndex,
							Role:               t.Role,
							Text:               t.Text,
							History:            t.History,
							BotID:              t.BotID,
							PersonaID:          t.PersonaID,
							PrevPersonaID:      t.PrevPersonaID,
							BotDescription:     t.BotDescription,
							PersonaDescription: t.PersonaDescription,
						})
						if err != nil {
							return fmt.Errorf("conversation %s turn %d: %w", t.ConversationID, t.MessageIndex, err)
						}
						printAssembly(t, res)
					}
					return nil
				})
			}
			return g.Wait()
		},
	}
}

func readTurns(path string) ([]replayTurn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var turns []replayTurn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var t replayTurn
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

func printAssembly(t replayTurn, res *engine.TurnResult) {
	fmt.Printf("conversation=%s turn=%d blocks=%d tokens=%d degraded=%v\n",
		t.ConversationID, t.MessageIndex, len(res.Assembly.Blocks),
		res.Assembly.TotalTokens, res.Degraded)
	for _, b := range res.Assembly.Blocks {
		fmt.Printf("  [%s/%s order=%d depth=%d cost=%d] %s\n",
			b.Position, b.Role, b.Order, b.Depth, b.TokenCost, b.EntryID)
	}
	if res.Consolidated != nil {
		fmt.Printf("  consolidated memory %s at index %d\n",
			res.Consolidated.ID, res.Consolidated.MessageIndex)
	}
}

func logCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <conversation-id>",
		Short: "Show recent activation log entries for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sink := actlog.NewSQLiteSink(a.db)
			entries, err := sink.Recent(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				status := "excluded"
				if e.Included {
					status = "included"
				}
				sim := "-"
				if e.Similarity != nil {
					sim = fmt.Sprintf("%.3f", *e.Similarity)
				}
				fmt.Printf("turn=%d entry=%s method=%s score=%.4f sim=%s tokens=%d %s %s\n",
					e.MessageIndex, e.EntryID, e.Method, e.Score, sim,
					e.Tokens, status, e.ExclusionReason)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show")
	return cmd
}

func convertCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <memory-id>",
		Short: "Convert a memory into a permanent knowledge entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine.ConvertMemoryToLore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("memory %s -> entry %s\n", args[0], e.ID)
			return nil
		},
	}
}
