package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fabian4/pathmux/internal/config"
	"github.com/fabian4/pathmux/internal/registry"
	"github.com/fabian4/pathmux/internal/version"
)

var rootExample = `
	# Serve with a config file
	%[1]s serve --config ./pathmux.yaml

	# Serve two services from the environment only
	PATHMUX_SERVICES="api=api.example.com,docs=docs.example.com/v2" %[1]s serve

	# Show the service table after conflict resolution
	%[1]s services --config ./pathmux.yaml
`

// Options are the flags shared by every subcommand.
type Options struct {
	ConfigPath string
	Listen     string
}

func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigPath, "config", "c", o.ConfigPath, "path to YAML config; empty means environment only")
	fs.StringVar(&o.Listen, "listen", o.Listen, "listen address, overrides the config file and "+config.EnvListen)
}

// Load reads the configuration and applies flag overrides.
func (o *Options) Load(env config.LookupFunc) (*config.Config, error) {
	c, err := config.Load(o.ConfigPath, env)
	if err != nil {
		return nil, err
	}
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	return c, nil
}

func NewRootCommand(out io.Writer, env config.LookupFunc) *cobra.Command {
	opts := &Options{}
	runServe := func(cmd *cobra.Command, args []string) error {
		c, err := opts.Load(env)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), c)
	}

	root := &cobra.Command{
		Use:          "pathmux",
		Short:        "Path-based reverse proxy for many backends behind one host",
		Long:         "pathmux serves many backends under one host, routing /{service}/... to each and rewriting responses so every backend keeps working below its prefix. Without a subcommand it serves.",
		Example:      fmt.Sprintf(rootExample, "pathmux"),
		Version:      version.Value,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         runServe,
	}
	opts.BindFlags(root.PersistentFlags())
	root.SetOut(out)

	root.AddCommand(
		&cobra.Command{
			Use:          "serve",
			Short:        "Run the gateway",
			SilenceUsage: true,
			Args:         cobra.NoArgs,
			RunE:         runServe,
		},
		&cobra.Command{
			Use:          "services",
			Short:        "Print the resolved service table",
			SilenceUsage: true,
			Args:         cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.Load(env)
				if err != nil {
					return err
				}
				return printServices(cmd.OutOrStdout(), c)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.Value)
			},
		},
	)
	return root
}

func printServices(out io.Writer, c *config.Config) error {
	reg := registry.New(c.Services, nil, reservedNames(c)...)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTARGET\tKIND\tPROTO\tRANK\tHIDDEN\tSOURCE")
	for _, s := range reg.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", s.Name, s.Target(), s.Kind, s.Proto, s.Rank, strconv.FormatBool(s.Hidden), s.Source)
	}
	return tw.Flush()
}

func reservedNames(c *config.Config) []string {
	return []string{c.Diagnostics.Path}
}
