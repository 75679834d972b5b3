package commands

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/whisper/leaderboard/internal/config"
)

var (
	cfg        config.Config
	deviceFile string
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "leaderboard",
		Short:         "Anonymous per-device leaderboard backend",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			if deviceFile != "" {
				loaded.DeviceIDFile = deviceFile
			}
			cfg = loaded
			log.SetPrefix("[LEADERBOARD] ")
			return nil
		},
	}

	root.PersistentFlags().StringVar(&deviceFile, "device-file", "", "device id file (overrides DEVICE_ID_FILE)")

	root.AddCommand(ensureCmd(), serveCmd())
	return root
}
