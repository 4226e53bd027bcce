package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/datachat/internal/app"
	"github.com/ashureev/datachat/internal/chat"
	"github.com/ashureev/datachat/internal/domain"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	userColor   = color.New(color.FgCyan, color.Bold)
	agentColor  = color.New(color.FgGreen)
	codeColor   = color.New(color.FgYellow)
	noticeColor = color.New(color.FgMagenta)
	errorColor  = color.New(color.FgRed)
)

const chatHelp = `Commands:
  /agent [name]  list agents or switch to one (starts a new chat)
  /model [name]  show or switch the model
  /new           start a new chat
  /save          save the current chat
  /quit          exit`

func (c *cli) newChatCmd() *cobra.Command {
	var agentName string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if agentName != "" {
				if err := a.Orchestrator.SelectAgent(cmd.Context(), agentName); err != nil {
					return err
				}
			}
			r := &repl{
				orch:     a.Orchestrator,
				out:      cmd.OutOrStdout(),
				chartDir: filepath.Join(c.cfg.DataDir, "charts"),
			}
			return r.run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "Agent to start with")
	return cmd
}

// repl drives an Orchestrator from line-oriented input.
type repl struct {
	orch     *chat.Orchestrator
	out      io.Writer
	chartDir string
	charts   int
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	s := r.orch.Snapshot()
	noticeColor.Fprintf(r.out, "Agent: %s  Model: %s\n", s.AgentName, s.Model)
	if !r.orch.Credentialed() {
		noticeColor.Fprintln(r.out, "No API key configured; replies are placeholders.")
	}
	fmt.Fprintln(r.out, "Type /help for commands.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		userColor.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}

		msg, err := r.orch.Submit(ctx, line)
		if err != nil {
			errorColor.Fprintf(r.out, "error: %v\n", err)
			continue
		}
		r.printReply(msg)
	}
}

func (r *repl) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/agent":
		if arg == "" {
			if _, err := r.orch.ReloadIfChanged(ctx); err != nil {
				errorColor.Fprintf(r.out, "error: reload agents: %v\n", err)
			}
			current := r.orch.Snapshot().AgentName
			for _, a := range r.orch.Agents() {
				marker := " "
				if a.Name == current {
					marker = "*"
				}
				fmt.Fprintf(r.out, "%s %s\n", marker, a.Name)
			}
			return false
		}
		if err := r.orch.SelectAgent(ctx, arg); err != nil {
			errorColor.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		noticeColor.Fprintf(r.out, "Switched to %s; new chat started.\n", arg)
	case "/model":
		if arg == "" {
			fmt.Fprintln(r.out, r.orch.Snapshot().Model)
			return false
		}
		if err := r.orch.SelectModel(arg); err != nil {
			errorColor.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		noticeColor.Fprintf(r.out, "Model set to %s.\n", arg)
	case "/new":
		r.orch.Reset()
		noticeColor.Fprintln(r.out, "New chat started.")
	case "/save":
		saved, err := r.orch.SaveChat(ctx)
		if err != nil {
			errorColor.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		noticeColor.Fprintf(r.out, "Saved as %s.\n", saved.Key)
	default:
		errorColor.Fprintf(r.out, "unknown command %s\n", name)
	}
	return false
}

func (r *repl) printReply(msg domain.Message) {
	sc := msg.Content.Structured
	if sc == nil {
		agentColor.Fprintln(r.out, msg.Content.Text)
		return
	}

	agentColor.Fprintln(r.out, sc.Explanation)
	if sc.Code != "" {
		codeColor.Fprintln(r.out, sc.Code)
	}
	if !sc.HasChart() {
		return
	}
	path, err := r.writeChart(sc.ChartImage)
	if err != nil {
		errorColor.Fprintf(r.out, "error: save chart: %v\n", err)
		return
	}
	noticeColor.Fprintf(r.out, "Chart written to %s\n", path)
}

func (r *repl) writeChart(png []byte) (string, error) {
	if err := os.MkdirAll(r.chartDir, 0o755); err != nil {
		return "", err
	}
	r.charts++
	path := filepath.Join(r.chartDir, fmt.Sprintf("chart_%d_%03d.png", os.Getpid(), r.charts))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
