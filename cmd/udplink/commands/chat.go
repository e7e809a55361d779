package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/manager"
	"github.com/1ureka/udplink/internal/util"
)

var chatCmd = &cobra.Command{
	Use:   "chat <host:port>",
	Short: "Exchange messages with a peer interactively",
	Long:  "Exchange messages with a peer interactively. Type /status for the link table and /quit to leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := clientConfig(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		n, err := startNode(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer n.stop()

		l, err := n.Dial(args[0])
		if err != nil {
			return err
		}

		wait, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := waitEstablished(wait, l); err != nil {
			return fmt.Errorf("failed to reach %s: %w", args[0], err)
		}
		util.LogSuccess("connected to %s", l)

		closed := make(chan struct{})
		l.Subscribe(func(e link.Event) {
			switch e.Type {
			case link.EventReceived:
				pterm.Println(pterm.Cyan(fmt.Sprintf("%s > ", l.Name())) + string(e.Unit.Payload))
			case link.EventClosed:
				close(closed)
			default:
				util.LogInfo("%s", e)
			}
		})

		lines := make(chan string)
		go readLines(lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-closed:
				util.LogWarning("link closed by peer")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				switch line {
				case "":
				case "/quit":
					l.Close()
					return waitClosed(ctx, l)
				case "/status":
					printStatus(n.Diagnostics())
				default:
					if err := l.Queue([]byte(line)); err != nil {
						util.LogWarning("not sent: %v", err)
					}
				}
			}
		}
	},
}

func init() {
	chatCmd.Flags().StringVar(&portsFlag, "ports", "", "Comma-separated local ports (default: any free port)")
}

// readLines prompts for input until the prompt fails.
func readLines(out chan<- string) {
	defer close(out)
	for {
		raw, err := pterm.DefaultInteractiveTextInput.WithDefaultText("message").Show()
		if err != nil {
			return
		}
		out <- strings.TrimSpace(raw)
	}
}

func printStatus(diags []link.Diagnostics) {
	if len(diags) == 0 {
		util.LogInfo("no links")
		return
	}
	table, err := manager.StatusTable(diags)
	if err != nil {
		util.LogWarning("status table: %v", err)
		return
	}
	pterm.Println(table)
}
