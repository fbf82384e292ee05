package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jarney/snackbot/bootstrap"
	"github.com/jarney/snackbot/config"
	"github.com/jarney/snackbot/logging"
)

var (
	configFile  string
	watchConfig bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the biote manager and the configured modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewLoader().Load(configFile)
		if err != nil {
			return err
		}

		log, closer, err := logging.Configure(cfg.Log)
		if err != nil {
			return err
		}
		defer closer.Close()

		watched := ""
		if watchConfig {
			watched = configFile
		}
		app, err := bootstrap.NewApplication(cfg, watched, log)
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"config":  configFile,
			"version": Version,
		}).Info("snackbot starting")
		return app.Run(context.Background())
	},
}

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file (searched for in the usual places when empty)")
	runCmd.Flags().BoolVar(&watchConfig, "watch", true, "Reload the log level and drive settings when the configuration file changes")
}
