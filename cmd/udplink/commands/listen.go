package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/manager"
	"github.com/1ureka/udplink/internal/util"
)

var (
	monitorFlag string
	echoFlag    bool
	statusEvery time.Duration
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run a server and print the messages it receives",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("monitor") {
			cfg.MonitorAddr = monitorFlag
		}

		ctx := cmd.Context()
		n, err := startNode(ctx, cfg, true)
		if err != nil {
			return err
		}

		n.Subscribe(func(e manager.Event) {
			util.LogInfo("%s %s", e.Type, e.Link)
		})
		n.SubscribeLinks(func(e link.Event) {
			if e.Type != link.EventReceived {
				util.LogInfo("%s", e)
				return
			}
			util.LogSuccess("%s: %s", e.Link, e.Unit.Payload)
			if echoFlag {
				if err := e.Link.QueueUser(e.Unit.Payload, e.Unit.UserType); err != nil {
					util.LogWarning("echo to %s failed: %v", e.Link, err)
				}
			}
		})

		util.LogSuccess("listening, press Ctrl+C to stop")

		var tick <-chan time.Time
		if statusEvery > 0 {
			t := time.NewTicker(statusEvery)
			defer t.Stop()
			tick = t.C
		}

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-n.Done():
				break loop
			case <-tick:
				printStatus(n.Diagnostics())
			}
		}

		util.LogInfo("shutting down")
		return n.stop()
	},
}

func init() {
	listenCmd.Flags().StringVar(&portsFlag, "ports", "", "Comma-separated ports to bind")
	listenCmd.Flags().StringVar(&monitorFlag, "monitor", "", "Serve diagnostics over HTTP on this address")
	listenCmd.Flags().BoolVar(&echoFlag, "echo", false, "Send every received message back to its sender")
	listenCmd.Flags().DurationVar(&statusEvery, "status", 0, "Print the link table at this interval")
}
