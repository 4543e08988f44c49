package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetota/fleetota"
	"github.com/fleetota/fleetota/internal/config"
	"github.com/fleetota/fleetota/internal/recorddb"
)

func newSeedCmd() *cobra.Command {
	var flagDevicesPerDivision int

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate the record store with a demo fleet and artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store, err := recorddb.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			regions := map[string]string{"kr-seoul": "Seoul", "kr-busan": "Busan"}
			divisions := map[string]string{"retail": "Retail", "transit": "Transit"}

			deviceCount := 0
			for regionCode, regionName := range regions {
				regionID, err := store.AddRegion(ctx, regionCode, regionName)
				if err != nil {
					return err
				}
				for divisionCode, divisionName := range divisions {
					divisionID, err := store.AddDivision(ctx, regionCode+"/"+divisionCode, divisionName)
					if err != nil {
						return err
					}
					for i := 0; i < flagDevicesPerDivision; i++ {
						name := fmt.Sprintf("%s-%s-%03d", regionCode, divisionCode, i+1)
						if _, err := store.AddDevice(ctx, name, regionID, divisionID); err != nil {
							return err
						}
						deviceCount++
					}
				}
			}

			firmwareID, err := store.AddArtifact(ctx, fleetota.ArtifactMeta{
				Kind:        fleetota.KindFirmware,
				Name:        "1.4.2",
				FileHash:    "3f1c6f4f9f2f0b7e8d1a5c3b9e7d2a4c6f8b0d2e4a6c8e0f2b4d6f8a0c2e4d6f",
				FileSize:    52428800,
				StoragePath: "/firmware/1.4.2/image.bin",
			})
			if err != nil {
				return err
			}
			adsID, err := store.AddArtifact(ctx, fleetota.ArtifactMeta{
				Kind:        fleetota.KindAds,
				Name:        "spring-sale",
				FileHash:    "9a7b5c3d1e0f2a4b6c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4d6e8f0a2b",
				FileSize:    10485760,
				StoragePath: "/ads/spring-sale/bundle.tar",
			})
			if err != nil {
				return err
			}

			log.Info().
				Int("devices", deviceCount).
				Int64("firmware_id", firmwareID).
				Int64("ads_id", adsID).
				Str("database", cfg.DatabasePath).
				Msg("demo fleet seeded")
			return nil
		},
	}

	cmd.Flags().IntVar(&flagDevicesPerDivision, "devices-per-division", 5, "Devices created per region/division pair")
	return cmd
}
