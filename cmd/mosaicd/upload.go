package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mosaic-app/mosaic/internal/backend"
	"github.com/mosaic-app/mosaic/internal/config"
)

func uploadCmd(configPath *string) *cobra.Command {
	var mosaicID string
	var file string

	c := &cobra.Command{
		Use:   "upload",
		Short: "Upload an SVG fragment to a mosaic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			svg, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read fragment: %w", err)
			}

			httpCfg := backend.DefaultHTTPConfig()
			httpCfg.Timeout = cfg.Backend.Timeout
			client, err := backend.New(cfg.Backend.URL, backend.WithHTTPClient(backend.NewHTTPClient(httpCfg)))
			if err != nil {
				return err
			}

			res, err := client.UploadSVG(cmd.Context(), backend.MosaicID(mosaicID), string(svg))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	c.Flags().StringVar(&mosaicID, "mosaic-id", "", "target mosaic id")
	c.Flags().StringVarP(&file, "file", "f", "", "path to the SVG fragment")
	_ = c.MarkFlagRequired("mosaic-id")
	_ = c.MarkFlagRequired("file")
	return c
}
