package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/tuya-bridge/version"
)

var (
	_versionAsJSON bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of the bridge",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doVersion()
	},
}

func init() {
	versionCmd.Flags().BoolVar(&_versionAsJSON, "json", false, "Return version as JSON")
	errPanic(viper.GetViper().BindPFlag("version.json", versionCmd.Flags().Lookup("json")))

	rootCmd.AddCommand(versionCmd)
}

type versionResult struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

func doVersion() error {
	v := versionResult{
		Version: version.Version,
		Commit:  version.Commit,
	}

	if viper.GetBool("version.json") {
		b, err := json.MarshalIndent(v, "", "    ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))
		return nil
	}

	if v.Commit != "" {
		fmt.Printf("tuya-bridge version %s (%s)\n", v.Version, v.Commit)
	} else {
		fmt.Printf("tuya-bridge version %s\n", v.Version)
	}

	return nil
}
