package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chadiek/live-assistant/internal/agent"
	"github.com/chadiek/live-assistant/internal/config"
	"github.com/chadiek/live-assistant/internal/domain"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	Long: `Starts a typed chat session against the reply service.
Each line is sent as a message; /quit or end of input leaves.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		return runChat(cmd.InOrStdin(), cmd.OutOrStdout(), newReplier(cfg), cfg.TurnTaking())
	},
}

// runChat drives a controller in typed mode: no microphone, no speaker.
func runChat(in io.Reader, w io.Writer, replier agent.Replier, tt agent.Config) error {
	out := &lockedWriter{w: w}
	replied := make(chan struct{}, 1)
	notify := func() {
		select {
		case replied <- struct{}{}:
		default:
		}
	}
	ctrl := agent.NewController(nil, nil, replier, tt,
		agent.WithLogger(logrus.WithField("component", "chat")),
		agent.WithEvents(agent.Events{
			OnTurn: func(t domain.Turn) {
				if t.Role != domain.RoleAssistant {
					return
				}
				fmt.Fprintf(out, "assistant> %s\n", t.Text)
				notify()
			},
			OnError: func(err error) { fmt.Fprintf(out, "! %v\n", err) },
		}),
	)
	defer ctrl.Close()
	for _, t := range ctrl.Transcript().Turns() {
		fmt.Fprintf(out, "assistant> %s\n", t.Text)
	}

	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if err := ctrl.SendText(line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		<-replied
	}
}

// lockedWriter serializes prompt output with replies printed from the
// controller's goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
