package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/freechat/internal/config"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the configured providers",
	Long:  `List every provider in the config file with its label, whether it is enabled, and its upstream URL.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		printProviders(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func printProviders(w io.Writer, cfg *config.Config) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	color.New(color.FgBlue).Fprintf(w, "Providers (%d):\n", len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		status := color.GreenString("enabled")
		if !pc.IsEnabled() {
			status = color.YellowString("disabled")
		}
		marker := " "
		if name == cfg.Client.DefaultProvider {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-8s %-24s %-8s %s\n", marker, name, pc.Label, status, pc.BaseURL)
	}
}
