package cmd

import (
	"sort"
	"strings"

	"github.com/leakhawk/leakhawk-stack/cli/internal/config"
	"github.com/leakhawk/leakhawk-stack/cli/pkg/output"
	"github.com/spf13/cobra"
)

var (
	profileNATSURL     string
	profileDatabaseURL string
	profileServices    map[string]string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage connection profiles",
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a profile and make it current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}

		prof := config.LocalProfile()
		if existing, ok := cfg.Profiles[args[0]]; ok {
			prof = existing
		}
		if cmd.Flags().Changed("nats-url") {
			prof.NATSURL = profileNATSURL
		}
		if cmd.Flags().Changed("database-url") {
			prof.DatabaseURL = profileDatabaseURL
		}
		for name, url := range profileServices {
			if prof.Services == nil {
				prof.Services = make(map[string]string)
			}
			prof.Services[name] = url
		}

		if err := cfg.SetProfile(args[0], prof); err != nil {
			return err
		}
		p.Success("Profile %s saved and selected", args[0])
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the current profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		if err := cfg.Use(args[0]); err != nil {
			return err
		}
		p.Success("Using profile %s", args[0])
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		return p.Render(cfg.Profiles, func() *output.Table {
			t := output.NewTable("", "NAME", "NATS", "SERVICES")
			for _, name := range cfg.Names() {
				prof := cfg.Profiles[name]
				marker := ""
				if name == cfg.CurrentProfile {
					marker = "*"
				}
				services := make([]string, 0, len(prof.Services))
				for s := range prof.Services {
					services = append(services, s)
				}
				sort.Strings(services)
				t.AddRow(marker, name, prof.NATSURL, strings.Join(services, ","))
			}
			return t
		})
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		if err := cfg.RemoveProfile(args[0]); err != nil {
			return err
		}
		p.Success("Profile %s removed", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileSetCmd, profileUseCmd, profileListCmd, profileRemoveCmd)

	profileSetCmd.Flags().StringVar(&profileNATSURL, "nats-url", "", "NATS server URL")
	profileSetCmd.Flags().StringVar(&profileDatabaseURL, "database-url", "", "Postgres connection string")
	profileSetCmd.Flags().StringToStringVar(&profileServices, "service", nil, "service readiness base URL, name=url (repeatable)")
}
