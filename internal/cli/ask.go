package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/comigor/sqlchat-go/internal/term"
)

var errSessionEnded = errors.New("session expired, run 'sqlchat login' to continue")

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one question and stream the answer",
	Long: `Ask one question and stream the answer.

Press Ctrl+C while the answer streams to pause it; the partial answer is kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		a.sync(cmd.Context())
		return a.turn(cmd.Context(), func(ctx context.Context) (string, error) {
			id, ok := a.conv.Send(ctx, strings.Join(args, " "))
			if !ok {
				return "", errors.New("question is empty")
			}
			return id, nil
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions interactively",
	Long: `Read questions from standard input, one per line, and stream each answer.

An empty line is ignored. Ctrl+C pauses the current answer; Ctrl+D exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		a.sync(cmd.Context())
		in := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprint(a.out, "> ")
			if !in.Scan() {
				fmt.Fprintln(a.out)
				return in.Err()
			}
			q := in.Text()
			if strings.TrimSpace(q) == "" {
				continue
			}
			err := a.turn(cmd.Context(), func(ctx context.Context) (string, error) {
				id, _ := a.conv.Send(ctx, q)
				return id, nil
			})
			if err != nil {
				return err
			}
		}
	},
}

// turn starts an answer with start, prints it while it streams and waits for
// it to end. An interrupt pauses the answer instead of killing the process.
func (a *app) turn(ctx context.Context, start func(ctx context.Context) (string, error)) error {
	live := term.NewLive(a.out, a.printer)
	unsubscribe := a.conv.SubscribeUpdates(live.Update)
	defer unsubscribe()

	interrupt, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	botID, err := start(ctx)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		a.conv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-interrupt.Done():
		if a.conv.Pause() {
			fmt.Fprintln(a.out, "(paused)")
		}
		<-done
	}

	if a.loggedOut() {
		return errSessionEnded
	}
	if m, ok := a.conv.Message(botID); ok && live.Printed(botID) == 0 && m.Text == "" {
		fmt.Fprintln(a.out, "(no answer)")
	}
	if s := a.usage.Current(); s.MaxChats > 0 {
		fmt.Fprintln(a.out, a.printer.Usage(s))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
}
