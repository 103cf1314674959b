// Package cli wires the esi commands.
package cli

import (
	"context"
	"esi/internal/config"
	"esi/internal/logging"
	"esi/internal/ui"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

type rootOptions struct {
	debug   bool
	logFile string
	stream  bool
	getenv  func(string) string

	app *app
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	o := &rootOptions{getenv: getenv}

	cmd := &cobra.Command{
		Use:   "esi",
		Short: "Research assistant chat client",
		Long: `esi is a terminal client for a research assistant.

Run without arguments to start the interactive chat interface. Sessions are
kept in memory unless a remote store is configured through ESI_STORE.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer o.teardown()
			return o.runTUI()
		},
	}

	cmd.PersistentFlags().BoolVar(&o.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&o.logFile, "log-file", "", "Log file (default <config dir>/esi/esi.log)")
	cmd.PersistentFlags().BoolVar(&o.stream, "stream", true, "Stream replies as they are generated")

	cmd.AddCommand(newAskCmd(o), newSessionsCmd(o))
	return cmd
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.FromEnv(o.getenv)
	if err != nil {
		return err
	}

	logPath := o.logFile
	if logPath == "" {
		if dir, err := config.Dir(); err == nil {
			logPath = filepath.Join(dir, "esi.log")
		}
	}
	log, err := logging.New(logPath, o.debug)
	if err != nil {
		return err
	}

	settingsPath, err := config.SettingsPath()
	if err != nil {
		log.Warn("settings path unavailable", zap.Error(err))
	}
	settings := config.DefaultSettings()
	if settingsPath != "" {
		if settings, err = config.LoadSettings(settingsPath); err != nil {
			log.Warn("using default settings", zap.Error(err))
		}
	}
	if cmd.Flags().Changed("stream") {
		settings.Stream = o.stream
	}

	a, err := newApp(cfg, settings, settingsPath, log)
	if err != nil {
		_ = log.Sync()
		return err
	}
	o.app = a

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.signIn(ctx); err != nil {
		o.teardown()
		return err
	}
	return nil
}

// teardown closes the app. Commands defer it from RunE so it also runs when
// they fail.
func (o *rootOptions) teardown() {
	if o.app == nil {
		return
	}
	if err := o.app.Close(); err != nil {
		o.app.log.Warn("close failed", zap.Error(err))
	}
	_ = o.app.log.Sync()
	o.app = nil
}

func (o *rootOptions) runTUI() error {
	a := o.app
	p := ui.NewProgram(ui.Deps{
		Chat:         a.chat,
		Store:        a.store,
		Sync:         a.sync,
		Settings:     a.settings,
		SettingsPath: a.settingsPath,
		Log:          a.log.Named("ui"),
	})
	_, err := p.Run()
	return err
}
