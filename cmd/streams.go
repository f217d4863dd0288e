package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neurolibrelab/neurocapture/internal/stream"

	"github.com/spf13/cobra"
)

var streamsTimeout float64

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List streams visible at the sensor bridge",
	Long:  `Query the sensor bridge and list every stream currently available for recording, continuous and event streams alike.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := stream.NewBridgeResolver(cfg.BridgeURL)
		timeout := time.Duration(streamsTimeout * float64(time.Second))

		ctx := context.Background()

		found := 0
		for _, t := range []stream.Type{stream.TypeContinuous, stream.TypeEvent} {
			descs, err := resolver.Resolve(ctx, t, timeout)
			if err != nil {
				continue
			}
			for _, d := range descs {
				printDescriptor(d)
				found++
			}
		}

		if found == 0 {
			return fmt.Errorf("no streams visible at %s", cfg.BridgeURL)
		}

		fmt.Printf("\n%d stream(s) found\n", found)
		return nil
	},
}

func printDescriptor(d stream.Descriptor) {
	fmt.Printf("%s (%s)\n", d.ID, d.Type)
	if d.Name != "" {
		fmt.Printf("  name: %s\n", d.Name)
	}
	if d.NominalRate > 0 {
		fmt.Printf("  nominal_rate: %g Hz\n", d.NominalRate)
	}
	if len(d.ChannelLabels) > 0 {
		fmt.Printf("  channels: %s\n", strings.Join(d.ChannelLabels, ", "))
	}
}

func init() {
	streamsCmd.Flags().Float64VarP(&streamsTimeout, "timeout", "t", 2, "discovery timeout in seconds")
}
