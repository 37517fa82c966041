package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rag-chatbot/internal/app"
	"rag-chatbot/internal/chat"
)

var (
	askSession      string
	askConversation string
	askTopic        string
	askStream       bool
	askJSON         bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the chatbot a question",
	Long: `Sends one message through the guardrails, retrieval and completion steps.
Pass --conversation to continue an earlier conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "cli", "session id used for conversation and rate limit tracking")
	askCmd.Flags().StringVar(&askConversation, "conversation", "", "conversation id to continue")
	askCmd.Flags().StringVar(&askTopic, "topic", "", "restrict retrieval to a topic")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "print the answer as it is generated")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the reply as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	req := chat.SendRequest{
		SessionID: askSession,
		Text:      strings.Join(args, " "),
		Topic:     askTopic,
	}
	if askConversation != "" {
		id, err := uuid.Parse(askConversation)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", askConversation)
		}
		req.ConversationID = &id
	}

	return withApp(cmd, func(a *app.App) error {
		var (
			reply *chat.Reply
			err   error
		)
		streamed := askStream && !askJSON
		if streamed {
			reply, err = a.Chat.StreamMessage(cmd.Context(), req, func(delta string) error {
				fmt.Fprint(cmd.OutOrStdout(), delta)
				return nil
			})
		} else {
			reply, err = a.Chat.SendMessage(cmd.Context(), req)
		}
		if err != nil {
			return err
		}
		return printReply(cmd, reply, streamed)
	})
}

func printReply(cmd *cobra.Command, reply *chat.Reply, streamed bool) error {
	if askJSON {
		data, err := json.MarshalIndent(reply.Response(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal reply: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	if reply.Rejected {
		fmt.Fprintf(cmd.OutOrStdout(), "Rejected: %s\n", reply.Reason)
		return nil
	}
	if streamed {
		fmt.Fprintln(cmd.OutOrStdout())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), reply.Answer)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nconversation %s, %d sources\n", reply.ConversationID, len(reply.ChunkIDs))
	return nil
}
