package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jake-scott/tuya-bridge/internal/pkg/devicestate"
	"github.com/jake-scott/tuya-bridge/internal/pkg/tuyaapi"
)

var _tuyaOpts struct {
	accessID     string
	accessSecret string
	username     string
	password     string
	endpoint     string
	countryCode  string
	schema       string
	lang         string
	httpTimeout  time.Duration
}

// Config keys every command talking to the cloud needs
var requiredTuyaKeys = []string{
	"tuya.access-id", "tuya.access-secret", "tuya.username", "tuya.password",
	"tuya.country-code",
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&_tuyaOpts.accessID, "access-id", "", "Tuya IoT platform project Access ID")
	f.StringVar(&_tuyaOpts.accessSecret, "access-secret", "", "Tuya IoT platform project Access Secret")
	f.StringVar(&_tuyaOpts.username, "username", "", "Tuya / Smart Life app account")
	f.StringVar(&_tuyaOpts.password, "password", "", "Tuya / Smart Life app password")
	f.StringVar(&_tuyaOpts.endpoint, "endpoint", "https://openapi.tuyaus.com", "Tuya cloud API base URL for the data centre")
	f.StringVar(&_tuyaOpts.countryCode, "country-code", "", "country calling code of the app account, eg. 1 or 44")
	f.StringVar(&_tuyaOpts.schema, "schema", tuyaapi.DefaultSchema, "app schema, tuyaSmart or smartlife")
	f.StringVar(&_tuyaOpts.lang, "lang", tuyaapi.DefaultLang, "language sent with each request")
	f.DurationVar(&_tuyaOpts.httpTimeout, "http-timeout", tuyaapi.DefaultTimeout, "maximum duration of a Tuya API call, eg. 1m or 10s")

	errPanic(viper.GetViper().BindPFlag("tuya.access-id", f.Lookup("access-id")))
	errPanic(viper.GetViper().BindPFlag("tuya.access-secret", f.Lookup("access-secret")))
	errPanic(viper.GetViper().BindPFlag("tuya.username", f.Lookup("username")))
	errPanic(viper.GetViper().BindPFlag("tuya.password", f.Lookup("password")))
	errPanic(viper.GetViper().BindPFlag("tuya.endpoint", f.Lookup("endpoint")))
	errPanic(viper.GetViper().BindPFlag("tuya.country-code", f.Lookup("country-code")))
	errPanic(viper.GetViper().BindPFlag("tuya.schema", f.Lookup("schema")))
	errPanic(viper.GetViper().BindPFlag("tuya.lang", f.Lookup("lang")))
	errPanic(viper.GetViper().BindPFlag("tuya.http-timeout", f.Lookup("http-timeout")))
}

func tuyaCredentials() tuyaapi.Credentials {
	return tuyaapi.Credentials{
		AccessID:     viper.GetString("tuya.access-id"),
		AccessSecret: viper.GetString("tuya.access-secret"),
		Username:     viper.GetString("tuya.username"),
		Password:     viper.GetString("tuya.password"),
		Endpoint:     viper.GetString("tuya.endpoint"),
		CountryCode:  viper.GetString("tuya.country-code"),
		Schema:       viper.GetString("tuya.schema"),
		Lang:         viper.GetString("tuya.lang"),
	}
}

func newAPIClient() *tuyaapi.Live {
	return tuyaapi.NewLiveClient(tuyaCredentials()).WithTimeout(viper.GetDuration("tuya.http-timeout"))
}

// loadDevices builds the registry from the `devices` list in the config file
func loadDevices() (*devicestate.MemoryRegistry, error) {
	var cfgs []devicestate.DeviceConfig
	if err := viper.UnmarshalKey("devices", &cfgs); err != nil {
		return nil, errors.Wrap(err, "parsing devices")
	}

	reg, err := devicestate.NewMemoryRegistry(cfgs)
	if err != nil {
		return nil, errors.Wrap(err, "loading devices")
	}

	return reg, nil
}
