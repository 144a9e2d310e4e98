package main

import (
	"fmt"
	"io"

	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/jrsteele09/go-listsync/internal/utils"
	"github.com/jrsteele09/go-listsync/session"
	"github.com/spf13/cobra"
)

func newLoginCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "login <email> <password>",
		Short: "Sign in with email and password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer a.Close()
			profile, err := a.Auth.Login(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printProfile(cmd.OutOrStdout(), profile)
		},
	}
}

func newRequestCodeCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "request-code <phone>",
		Short: "Text a one-time sign-in code to a phone number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Auth.RequestCode(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Code sent to %s\n", args[0])
			return err
		},
	}
}

func newVerifyCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <phone> <code>",
		Short: "Sign in with a one-time code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer a.Close()
			profile, err := a.Auth.VerifyCode(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printProfile(cmd.OutOrStdout(), profile)
		},
	}
}

func newWhoamiCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user, refreshing the session if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.Store.IsAuthenticated() {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
				return err
			}
			profile, err := a.Auth.Me(cmd.Context())
			if err != nil {
				return err
			}
			return printProfile(cmd.OutOrStdout(), profile)
		},
	}
}

func newLogoutCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Auth.Logout(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return err
		},
	}
}

func printProfile(w io.Writer, p *session.Profile) error {
	if p == nil {
		_, err := fmt.Fprintln(w, "Not signed in")
		return err
	}
	name := utils.Value(p.DisplayName)
	if name == "" {
		name = utils.Value(p.Email)
	}
	if name == "" {
		name = utils.Value(p.Phone)
	}
	_, err := fmt.Fprintf(w, "Signed in as %s (%s, %s)\n", name, p.UserID, p.Locale)
	return err
}
