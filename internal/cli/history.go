package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/comigor/sqlchat-go/internal/conversation"
	"github.com/comigor/sqlchat-go/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		a.sync(cmd.Context())
		msgs := a.conv.Messages()
		if len(msgs) == 0 {
			fmt.Fprintln(a.out, "No messages yet.")
			return nil
		}
		for i, m := range msgs {
			if i > 0 {
				fmt.Fprintln(a.out)
			}
			fmt.Fprintln(a.out, a.printer.Message(m))
		}
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <new question>",
	Short: "Replace a question and ask it again",
	Long: `Replace the text of one of your questions and ask it again. The old answer
is removed and a new one streams in its place.

<message-id> may be the short id shown by 'sqlchat history'.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		id, err := a.resolve(args[0])
		if err != nil {
			return err
		}
		return a.turn(cmd.Context(), func(ctx context.Context) (string, error) {
			return a.conv.Edit(ctx, id, strings.Join(args[1:], " "))
		})
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend <message-id>",
	Short: "Ask a question again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		id, err := a.resolve(args[0])
		if err != nil {
			return err
		}
		return a.turn(cmd.Context(), func(ctx context.Context) (string, error) {
			return a.conv.Resend(ctx, id)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Long: `Delete a message. Deleting a question also deletes its answer.

The server-side result cache is cleared afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		id, err := a.resolve(args[0])
		if err != nil {
			return err
		}
		if !a.conv.Delete(cmd.Context(), id) {
			return conversation.ErrNotFound
		}
		fmt.Fprintln(a.out, "Deleted.")
		return nil
	},
}

var errAmbiguousID = errors.New("message id is ambiguous")

// resolve expands a full or short message id.
func (a *app) resolve(prefix string) (string, error) {
	return resolveID(a.conv.Messages(), prefix)
}

func resolveID(msgs []history.Message, prefix string) (string, error) {
	if prefix == "" {
		return "", conversation.ErrNotFound
	}
	for _, m := range msgs {
		if m.ID == prefix {
			return m.ID, nil
		}
	}
	var match string
	for _, m := range msgs {
		if strings.HasPrefix(m.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", errAmbiguousID, prefix)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", conversation.ErrNotFound, prefix)
	}
	return match, nil
}

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(resendCmd)
	rootCmd.AddCommand(deleteCmd)
}
