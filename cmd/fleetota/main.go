package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetota/fleetota/internal/envload"
)

var rootCmd = &cobra.Command{
	Use:   "fleetota",
	Short: "OTA deployment orchestration for device fleets",
	Long:  `fleetota deploys firmware builds and advertisement bundles to device fleets, tracks per-device download progress and reconciles each deployment to a durable terminal record.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newServeCmd(),
		newSeedCmd(),
	)
	_ = envload.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleetota command failed")
	}
}
