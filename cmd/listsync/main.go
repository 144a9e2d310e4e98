package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-listsync/app"
	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := config.New()
	configureLogging(c, os.Stderr)

	root := newRootCmd(c)
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		log.Err(err).Msg("listsync command failed")
		os.Exit(1)
	}
}

func newRootCmd(c config.Config) *cobra.Command {
	var quiet bool
	root := &cobra.Command{
		Use:           "listsync",
		Short:         "Shopping list client: sign in and follow live list changes",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if !quiet {
				displayAppname(cmd.ErrOrStderr(), c.GetAppName())
			}
		},
	}
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "do not print the banner")

	root.AddCommand(newLoginCmd(c))
	root.AddCommand(newRequestCodeCmd(c))
	root.AddCommand(newVerifyCmd(c))
	root.AddCommand(newWhoamiCmd(c))
	root.AddCommand(newLogoutCmd(c))
	root.AddCommand(newWatchCmd(c))
	return root
}

// openApp builds the client for one command; the caller must Close it.
func openApp(ctx context.Context, c config.Config, opts ...app.Option) (*app.App, error) {
	a, err := app.New(ctx, c, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return a, nil
}

func configureLogging(c config.EnvConfig, w io.Writer) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

func displayAppname(w io.Writer, appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	_, _ = fmt.Fprintln(w, myFigure.String())
}
