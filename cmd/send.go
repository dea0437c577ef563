package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/tuya-bridge/internal/pkg/connmgr"
	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
)

var _sendCmdOpts struct {
	apiVersion string
}

var sendCmd = &cobra.Command{
	Use:   "send <device-id> <command-json>",
	Short: "Send one command to a device and exit",
	Long: `Send one command to a device and exit.  The command is JSON, either a
list of {"code","value"} items, a single item, or a map of code to value:

  tuya-bridge send bf1234 '{"switch_led": true}'
  tuya-bridge send bf1234 --api-version 2.0 '{"bright_value": 500}'`,
	Args: cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doSend(args[0], args[1]); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags(requiredTuyaKeys...)
	},
}

func init() {
	sendCmd.Flags().StringVar(&_sendCmdOpts.apiVersion, "api-version", connmgr.APIVersion1, "device API version, 1.0 (commands) or 2.0 (properties)")
	errPanic(viper.GetViper().BindPFlag("send.api-version", sendCmd.Flags().Lookup("api-version")))

	rootCmd.AddCommand(sendCmd)
}

// doSend posts the command directly rather than through the queue, so a
// failure is reported to the caller instead of being retried and dropped
func doSend(deviceID, commandJSON string) error {
	var command interface{}
	if err := json.Unmarshal([]byte(commandJSON), &command); err != nil {
		return errors.Wrap(err, "parsing command")
	}

	version := viper.GetString("send.api-version")
	u, err := connmgr.CommandURL(version, deviceID)
	if err != nil {
		return err
	}
	body, err := connmgr.FormatBody(version, command)
	if err != nil {
		return errors.Wrap(err, "formatting command")
	}

	api := newAPIClient()
	defer api.Close()

	ctx := context.Background()
	if err := api.Connect(ctx); err != nil {
		return errors.Wrap(err, "logging in")
	}

	var result interface{}
	if err := api.Post(ctx, u, body, &result); err != nil {
		return errors.Wrapf(err, "sending command to %s", deviceID)
	}

	logging.Component("main").WithField("device", deviceID).Debugf("command result: %v", result)
	fmt.Printf("sent to %s: %v\n", deviceID, result)
	return nil
}
