package main

import (
	"fmt"

	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (c *cli) newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agent configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured agents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s := store.NewConfigStore(store.NewFileAgentStore(c.cfg.AgentConfigPath), nil, c.cfg.Dataset.Reference())
				agents, err := s.LoadAgents(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, a := range agents {
					mode := "plain"
					if a.SchemaMode() {
						mode = "structured"
					}
					fmt.Fprintf(out, "%s  [%s]\n    %s\n", color.CyanString(a.Name), mode, a.Persona)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate [path]",
			Short: "Validate an agent configuration file",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := c.cfg.AgentConfigPath
				if len(args) == 1 {
					path = args[0]
				}
				agents, err := store.NewFileAgentStore(path).Load(cmd.Context())
				if err != nil {
					return fmt.Errorf("load %s: %w", path, err)
				}
				if err := domain.ValidateAgents(agents); err != nil {
					return fmt.Errorf("validate %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d agents\n", color.GreenString("ok"), path, len(agents))
				return nil
			},
		},
	)
	return cmd
}
