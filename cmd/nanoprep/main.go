// Command nanoprep fabricates and conditions solid-state nanopores with a
// Keithley sourcemeter
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/nanoprep/protocol"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "nanoprep.yml"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nanoprep",
		Short: "nanopore fabrication with a sourcemeter",
		Long: `nanoprep opens and grows solid-state nanopores by controlled dielectric
breakdown, applying voltage waveforms with a Keithley 2400 class sourcemeter
and estimating the pore diameter from the measured conductance.

nanoprep is configured with nanoprep.yml and NANOPREP_ environment
variables, e.g. NANOPREP_INSTRUMENT_ADDR=/dev/ttyUSB0.  Run
"nanoprep mkconf" to write a config file with the defaults.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "config file")
	root.AddCommand(newRunCmd(), newServeCmd(), newProtocolsCmd(), mkconfCmd(), confCmd(), versionCmd())
	return root
}

func mkconfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "write the current configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := LoadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			f, err := os.Create(ConfigFileName)
			if err != nil {
				return err
			}
			defer f.Close()
			return yml.NewEncoder(f).Encode(c)
		},
	}
}

func confCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "print the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := LoadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			return yml.NewEncoder(cmd.OutOrStdout()).Encode(c)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nanoprep version %v\n", Version)
		},
	}
}

func newProtocolsCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "protocols [name]",
		Short: "list the protocols, or the parameters of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := protocol.Default()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			if len(args) == 0 {
				for _, p := range reg.Sorted() {
					if verbose {
						fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Description)
					} else {
						fmt.Fprintln(tw, p.Name)
					}
				}
				return nil
			}
			p, err := reg.Get(args[0])
			if err != nil {
				return fmt.Errorf("%w, have %s", err, strings.Join(sortedNames(reg), ", "))
			}
			fmt.Fprintf(tw, "%s\n%s\n\nkey\tlabel\tkind\tdefault\tunits\n", p.Name, p.Description)
			for _, prm := range p.Params.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%s\n", prm.Key, prm.Label, prm.Kind, prm.Default, prm.Units)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include descriptions")
	return cmd
}

func sortedNames(reg *protocol.Registry) []string {
	names := reg.Names()
	sort.Strings(names)
	return names
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
