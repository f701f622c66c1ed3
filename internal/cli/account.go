package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/comigor/sqlchat-go/internal/storage"
)

var (
	username     string
	accessToken  string
	refreshToken string

	model          string
	topK           int
	includeReasons bool
	includeProcess bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store your credentials",
	Long: `Store an access and refresh token pair issued by the backend.

Missing values are asked for interactively.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		if err := promptCredentials(); err != nil {
			return err
		}
		if err := a.session.SetTokens(accessToken, refreshToken); err != nil {
			return fmt.Errorf("failed to store credentials: %w", err)
		}
		if username != "" {
			if err := a.kv.Set(storage.KeyUsername, username); err != nil {
				return fmt.Errorf("failed to store username: %w", err)
			}
		}

		a.sync(cmd.Context())
		if a.loggedOut() {
			return errSessionEnded
		}
		fmt.Fprintln(a.out, "Logged in.")
		return nil
	},
}

func promptCredentials() error {
	if username == "" {
		if err := survey.AskOne(&survey.Input{Message: "Username:"}, &username); err != nil {
			return err
		}
	}
	required := survey.WithValidator(func(val interface{}) error {
		if s, ok := val.(string); !ok || strings.TrimSpace(s) == "" {
			return errors.New("a value is required")
		}
		return nil
	})
	if accessToken == "" {
		if err := survey.AskOne(&survey.Password{Message: "Access token:"}, &accessToken, required); err != nil {
			return err
		}
	}
	if refreshToken == "" {
		prompt := &survey.Password{Message: "Refresh token:", Help: "Leave empty to skip automatic refresh"}
		if err := survey.AskOne(prompt, &refreshToken); err != nil {
			return err
		}
	}
	return nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget your credentials and the local conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		a.quiet = true
		a.client.Logout()
		fmt.Fprintln(a.out, "Logged out.")
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show how many questions are left today",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.usage.Refresh(cmd.Context()); err != nil {
			if a.loggedOut() {
				return errSessionEnded
			}
			fmt.Fprintln(a.out, a.printer.Error(err))
			fmt.Fprintln(a.out, "Showing the cached value.")
		}
		fmt.Fprintln(a.out, a.printer.Usage(a.usage.Current()))
		return nil
	},
}

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Show or change the pipeline parameters",
	Long: `Show the parameters sent with every question. Pass any flag to change it;
the new value is kept for later questions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		p := a.conv.Params()
		flags := cmd.Flags()
		changed := false
		if flags.Changed("model") {
			p.Model, changed = model, true
		}
		if flags.Changed("top-k") {
			p.TopK, changed = topK, true
		}
		if flags.Changed("include-reasons") {
			p.IncludeReasons, changed = includeReasons, true
		}
		if flags.Changed("include-process") {
			p.IncludeProcess, changed = includeProcess, true
		}
		if changed {
			if err := a.conv.SetParams(p); err != nil {
				return fmt.Errorf("failed to save parameters: %w", err)
			}
		}
		fmt.Fprintln(a.out, a.printer.Params(a.conv.Params()))
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local conversation with the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		if !a.authenticated() {
			return errors.New("not logged in")
		}
		if err := a.conv.Sync(cmd.Context()); err != nil {
			if a.loggedOut() {
				return errSessionEnded
			}
			return err
		}
		fmt.Fprintf(a.out, "Synced %d messages.\n", len(a.conv.Messages()))
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&username, "username", "u", "", "Username to remember")
	loginCmd.Flags().StringVar(&accessToken, "access", "", "Access token")
	loginCmd.Flags().StringVar(&refreshToken, "refresh", "", "Refresh token")

	paramsCmd.Flags().StringVar(&model, "model", "", "Model used by the agents")
	paramsCmd.Flags().IntVar(&topK, "top-k", 0, "Number of candidate tables considered")
	paramsCmd.Flags().BoolVar(&includeReasons, "include-reasons", true, "Ask agents to report their reasons")
	paramsCmd.Flags().BoolVar(&includeProcess, "include-process", true, "Stream intermediate pipeline steps")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(paramsCmd)
	rootCmd.AddCommand(syncCmd)
}
