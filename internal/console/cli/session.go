package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/blowfish/enigma/internal/console/auth"
)

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLoginCmd(env *environment) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to enigmad",
		Long:  "Sign in and store the session. The password is prompted for on a terminal, otherwise read from the first line of stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.Console()
			if err != nil {
				return err
			}
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			if strings.TrimSpace(username) == "" {
				fmt.Fprint(out, "Username: ")
				if username, err = readLine(in); err != nil {
					return fmt.Errorf("read username: %w", err)
				}
			}

			var password string
			if env.interactive() {
				fmt.Fprint(out, "Password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(out)
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = string(raw)
			} else if password, err = readLine(in); err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			if err := c.Auth().Login(cmd.Context(), auth.Credentials{Username: strings.TrimSpace(username), Password: password}); err != nil {
				return err
			}
			fmt.Fprintf(out, "Signed in as %s\n", strings.TrimSpace(username))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "operator username")
	return cmd
}

func newLogoutCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.Console()
			if err != nil {
				return err
			}
			if err := c.Auth().Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func newWhoamiCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.Console()
			if err != nil {
				return err
			}
			if err := c.CheckAuth(cmd.Context(), auth.CheckParams{}); err != nil {
				return err
			}
			id, err := c.Auth().Identity(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (access token valid until %s)\n", id.Username, id.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
}
