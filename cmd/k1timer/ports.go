package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/k1timer/internal/portscan"
)

func newPortsCmd() *cobra.Command {
	var (
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports that look like a K1 timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			list := portscan.Prolific
			if all {
				list = portscan.List
			}
			ports, err := list()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(ports)
			}
			if len(ports) == 0 {
				fmt.Fprintln(os.Stderr, "no ports found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tDESCRIPTION\tDEVICE")
			for _, p := range ports {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.PortName, p.Description, p.DeviceInstancePath)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every serial port, not only Prolific adapters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
