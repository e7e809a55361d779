package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/1ureka/udplink/internal/config"
	"github.com/1ureka/udplink/internal/protocol"
	"github.com/1ureka/udplink/internal/util"
)

var userType uint8

var sendCmd = &cobra.Command{
	Use:   "send <host:port> <message...>",
	Short: "Deliver one message and close the link",
	Args:  cobra.MinimumNArgs(2),
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

		msg := strings.Join(args[1:], " ")
		if err := l.QueueUser([]byte(msg), userType); err != nil {
			return err
		}
		l.Close()

		if err := waitClosed(ctx, l); err != nil {
			return err
		}
		if !l.GoodbyeAcked() {
			return fmt.Errorf("%s closed without acknowledging the message", l)
		}
		util.LogSuccess("delivered %d bytes", len(msg))
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&portsFlag, "ports", "", "Comma-separated local ports (default: any free port)")
	sendCmd.Flags().Uint8Var(&userType, "user-type", protocol.UserTypeUnspecified, "Application message type")
}

// clientConfig is loadConfig for commands that dial out: unless --ports is
// given they bind an ephemeral port and skip the identity store.
func clientConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, err
	}
	if !cmd.Flags().Changed("ports") {
		cfg.Ports = []int{0}
		cfg.IdentityPath = ""
	}
	return cfg, nil
}
