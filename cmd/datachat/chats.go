package main

import (
	"fmt"

	"github.com/ashureev/datachat/internal/app"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (c *cli) newChatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage saved chats",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved chats",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := app.NewStore(c.cfg)
				if err != nil {
					return err
				}
				defer s.Close()

				chats, err := s.ListTranscripts(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d saved chats\n", len(chats))
				for _, ch := range chats {
					fmt.Fprintf(out, "%s  %s  (%d messages)\n", color.CyanString(ch.Key), ch.Title, len(ch.Messages))
					for _, p := range ch.Preview(3) {
						fmt.Fprintf(out, "    %s: %s\n", p.Role, p.Text)
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <key>",
			Short: "Print a saved chat",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := app.NewStore(c.cfg)
				if err != nil {
					return err
				}
				defer s.Close()

				ch, err := s.GetTranscript(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s  %s\n", color.CyanString(ch.Key), ch.Title)
				for _, m := range ch.Messages {
					printMessage(cmd, m)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Delete a saved chat",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := app.NewStore(c.cfg)
				if err != nil {
					return err
				}
				defer s.Close()

				if err := s.DeleteTranscript(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func printMessage(cmd *cobra.Command, m domain.Message) {
	out := cmd.OutOrStdout()
	switch m.Role {
	case domain.RoleSystem:
		noticeColor.Fprintf(out, "[system] %s\n", m.Content.String())
	case domain.RoleUser:
		userColor.Fprintf(out, "[user] %s\n", m.Content.String())
	default:
		agentColor.Fprintf(out, "[assistant] %s\n", m.Content.String())
		if sc := m.Content.Structured; sc != nil {
			if sc.Code != "" {
				codeColor.Fprintln(out, sc.Code)
			}
			if sc.HasChart() {
				fmt.Fprintf(out, "    (chart, %d bytes)\n", len(sc.ChartImage))
			}
		}
	}
}
