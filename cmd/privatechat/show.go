package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	privatechat "github.com/nearai/private-chat-sub001"
)

var (
	showLeaf      string
	showReasoning bool
)

func init() {
	showCmd.Flags().StringVar(&showLeaf, "leaf", "", "Response id of the leaf to display instead of the newest branch")
	showCmd.Flags().BoolVar(&showReasoning, "reasoning", false, "Include reasoning and web search steps")
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Render the displayed branch of a conversation",
	Long:  "Load a conversation (from the API, or the offline cache when unreachable) and print the displayed branch with its alternatives.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)
		client, err := newClient(cfg, log)
		if err != nil {
			return err
		}
		store, cache, err := openCache(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		loader, err := privatechat.NewConversationLoader(privatechat.LoaderConfig{
			Source:  client,
			Offline: cache,
			Logger:  &log,
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var conv *privatechat.Conversation
		if showReasoning {
			// The loader keeps only displayable items.
			conv, err = client.Conversation(ctx, args[0])
		} else {
			conv, err = loader.Load(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}

		state := privatechat.BuildConversationState(conv, nil, showLeaf)
		renderState(os.Stdout, state, showReasoning)
		return nil
	},
}

// renderState prints the displayed batch, one turn per block. Turns with
// alternatives are annotated with their position among the siblings.
func renderState(w io.Writer, s *privatechat.ConversationState, withSteps bool) {
	title := s.Conversation.Info().Title()
	if title == "" {
		title = privatechat.DefaultConversationTitle
	}
	fmt.Fprintf(w, "# %s (%s)\n", title, s.Conversation.ID)
	if len(s.Batch) == 0 {
		fmt.Fprintln(w, "(empty conversation)")
		return
	}

	for _, turn := range s.Turns() {
		fmt.Fprintln(w)
		header := "[" + turn.ResponseID + "]"
		if sib := s.Siblings(turn.ResponseID); sib.HasAlternatives() {
			if len(sib.InputSiblings) > 1 {
				header += fmt.Sprintf(" prompt %d/%d", inputPosition(s, sib, turn.ResponseID), len(sib.InputSiblings))
			}
			if len(sib.ResponseSiblings) > 1 {
				header += fmt.Sprintf(" response %d/%d",
					privatechat.IndexOf(sib.ResponseSiblings, turn.ResponseID)+1, len(sib.ResponseSiblings))
			}
		}
		fmt.Fprintln(w, header)

		if turn.Prompt != nil {
			fmt.Fprintf(w, "> %s\n", indent(turn.Prompt.Text(), "  "))
		}
		if withSteps {
			for _, r := range turn.Reasoning {
				fmt.Fprintf(w, "  (reasoning %s)\n", r.ID)
			}
			for _, ws := range turn.WebSearch {
				if ws.Action != nil && ws.Action.Query != "" {
					fmt.Fprintf(w, "  (searched %q)\n", ws.Action.Query)
				}
			}
		}
		for _, out := range turn.Outputs {
			if text := out.Text(); text != "" {
				fmt.Fprintf(w, "< %s\n", indent(text, "  "))
			}
		}
	}
}

// inputPosition finds which prompt variant the turn belongs to. The input
// sibling list holds one representative per prompt text, so match by text.
func inputPosition(s *privatechat.ConversationState, sib privatechat.Siblings, responseID string) int {
	text := s.Graph.PromptText(responseID)
	for i, id := range sib.InputSiblings {
		if s.Graph.PromptText(id) == text {
			return i + 1
		}
	}
	return 0
}

func indent(text, prefix string) string {
	return strings.ReplaceAll(strings.TrimRight(text, "\n"), "\n", "\n"+prefix)
}
