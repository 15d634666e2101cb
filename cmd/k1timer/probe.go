package main

import (
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/k1timer/internal/k1"
	"github.com/shaunagostinho/k1timer/internal/portscan"
)

func newProbeCmd() *cobra.Command {
	var (
		portName string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a timer once and print what it reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if portName == "" {
				ports, err := portscan.Prolific()
				if err != nil {
					return err
				}
				if len(ports) == 0 {
					return fmt.Errorf("no Prolific adapter found, use --port")
				}
				portName = ports[0].PortName
			}

			cfg := k1.DefaultTimerConfig(portName)
			cfg.ResponseTimeout = timeout
			timer, err := k1.NewTimer(cfg)
			if err != nil {
				return err
			}
			defer timer.Close()

			mode := timer.Mode()
			features := timer.Features()
			enabled := lo.Filter(lo.Range(k1.FeatureCount), func(i, _ int) bool {
				return features.Has(k1.Feature(i))
			})

			fmt.Fprintf(os.Stdout, "port:        %s\n", portName)
			fmt.Fprintf(os.Stdout, "serial:      %d\n", timer.GetSerialNumber())
			fmt.Fprintf(os.Stdout, "lanes:       %d\n", timer.LastDetectedPhysicalLaneCount())
			fmt.Fprintf(os.Stdout, "features:    %v\n", lo.Map(enabled, func(i, _ int) string {
				return k1.Feature(i).String()
			}))
			fmt.Fprintf(os.Stdout, "data format: %s\n", mode.DataFormat)
			fmt.Fprintf(os.Stdout, "eliminator:  %t\n", mode.EliminatorMode)
			fmt.Fprintf(os.Stdout, "reversed:    %t (%d lanes)\n", mode.LanesReversed, mode.ReversedLaneCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&portName, "port", "", "serial port (default: first Prolific adapter)")
	cmd.Flags().DurationVar(&timeout, "timeout", k1.DefaultResponseTimeout, "response timeout per command")
	return cmd
}
