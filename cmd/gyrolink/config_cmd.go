package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"gyrolink/pkg/config"
)

func newConfigCmd(root *rootOptions, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the gyrolink config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fail(1, fmt.Errorf("%s already exists (use --force to overwrite)", path))
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fail(1, err)
			}

			cfg := config.Default()
			if err := cfg.Save(path); err != nil {
				return fail(1, err)
			}
			fmt.Fprintln(stdout, "wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, exists, err := config.LoadOrDefault(root.configPath)
			if err != nil {
				return fail(1, err)
			}
			if !exists {
				fmt.Fprintf(stdout, "# %s not found, showing defaults\n", root.configPath)
			}
			ep, _ := cfg.Endpoint()
			sess := cfg.SessionConfig()
			fmt.Fprintf(stdout, "endpoint          %s\n", ep)
			fmt.Fprintf(stdout, "interval          %s\n", cfg.StreamingConfig().Interval)
			fmt.Fprintf(stdout, "connect_timeout   %s\n", sess.ConnectTimeout)
			fmt.Fprintf(stdout, "poll_timeout      %s\n", sess.PollTimeout)
			if sess.SendTimeout == 0 {
				fmt.Fprintln(stdout, "send_timeout      0s (no write deadline)")
			} else {
				fmt.Fprintf(stdout, "send_timeout      %s\n", sess.SendTimeout)
			}
			fmt.Fprintf(stdout, "max_send_failures %d\n", sess.MaxSendFailures)
			fmt.Fprintf(stdout, "sensor            %s\n", cfg.Sensor.Kind)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
