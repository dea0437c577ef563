package tuyaapi

import (
	"context"
	"time"
)

// Endpoints used by the bridge
const (
	LoginPath        = "/v1.0/iot-01/associated-users/actions/authorized-login"
	RefreshPathPre   = "/v1.0/token/"
	MQTTConfigPath   = "/v1.0/open-hub/access/config"
	HealthPath       = "/v1.0/statistics/overview"
	DefaultTimeout   = time.Second * 10
	DefaultLang      = "en"
	DefaultSchema    = "tuyaSmart"
	codeTokenInvalid = 1010
)

// Credentials are loaded once from configuration and never change
type Credentials struct {
	AccessID     string
	AccessSecret string
	Username     string
	Password     string
	Endpoint     string
	CountryCode  string
	Schema       string
	Lang         string
}

// Client is the signed REST client for the Tuya cloud
type Client interface {
	// Connect authenticates with the user credentials
	Connect(ctx context.Context) error

	// Get issues a signed GET, decoding the response result into out
	Get(ctx context.Context, path string, params map[string]string, out interface{}) error

	// Post issues a signed POST with a JSON body
	Post(ctx context.Context, path string, body interface{}, out interface{}) error

	// UID returns the user ID of the current token, or ""
	UID() string

	// Token returns the current token, or nil
	Token() *Token

	// Close discards the token
	Close()
}
