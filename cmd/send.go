package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jarney/snackbot/core"
	"github.com/jarney/snackbot/network"
)

var (
	sendAddr    string
	sendTarget  uint64
	sendName    string
	sendEvent   string
	sendData    string
	sendReplies int
	sendTimeout time.Duration
	sendVersion string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one event through a running network bridge",
	Example: `  snackbot send --name drive --event Mover-DriveMotor --data '{"left":0.2,"right":0.2}'
  snackbot send --target 2 --event Mover-Subscribe --replies 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendEvent == "" {
			return fmt.Errorf("--event is required")
		}

		var data core.Data
		if sendData != "" {
			if err := json.Unmarshal([]byte(sendData), &data); err != nil {
				return fmt.Errorf("--data: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		client, err := network.Dial(ctx, sendAddr, sendTimeout)
		if err != nil {
			return err
		}
		defer client.Close()

		if sendVersion != "" {
			if err := client.Hello("snackbot-cli", sendVersion); err != nil {
				return err
			}
		}

		if sendName != "" {
			_, err = client.SendEventTo(sendName, sendEvent, data)
		} else {
			_, err = client.SendEvent(core.BioteID(sendTarget), sendEvent, data)
		}
		if err != nil {
			return err
		}

		out := json.NewEncoder(cmd.OutOrStdout())
		for i := 0; i < sendReplies; i++ {
			reply, err := client.ReadEvent()
			if err != nil {
				return err
			}
			if err := out.Encode(reply); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendAddr, "addr", "a", "127.0.0.1:5555", "Network bridge address")
	sendCmd.Flags().Uint64VarP(&sendTarget, "target", "t", 0, "Target biote id")
	sendCmd.Flags().StringVarP(&sendName, "name", "n", "", "Target biote name; takes precedence over --target")
	sendCmd.Flags().StringVarP(&sendEvent, "event", "e", "", "Event name")
	sendCmd.Flags().StringVarP(&sendData, "data", "d", "", "Event data as a JSON object")
	sendCmd.Flags().IntVarP(&sendReplies, "replies", "r", 0, "Number of events to wait for and print")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Second, "Dial, read and write timeout")
	sendCmd.Flags().StringVar(&sendVersion, "hello", "", "Announce this client version before sending")
}
