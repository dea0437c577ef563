package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/tuya-bridge/internal/pkg/cmdqueue"
	"github.com/jake-scott/tuya-bridge/internal/pkg/connmgr"
	"github.com/jake-scott/tuya-bridge/internal/pkg/events"
	"github.com/jake-scott/tuya-bridge/internal/pkg/handlers"
	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
	"github.com/jake-scott/tuya-bridge/internal/pkg/mqttapi"
	"github.com/jake-scott/tuya-bridge/internal/pkg/tuyaapi"
	"github.com/jake-scott/tuya-bridge/pkg/middlewares"
)

var _runCmdOpts struct {
	reconnectBaseDelay   time.Duration
	maxReconnectAttempts int
	healthInterval       time.Duration
	staleTimeout         time.Duration
	monitorInterval      time.Duration
	retryDelay           time.Duration
	maxConcurrent        int
	httpPort             uint16
	gracefulTimeout      time.Duration
	logRequests          bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the Tuya cloud and relay device state and commands",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRun(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags(requiredTuyaKeys...)
	},
}

func init() {
	runCmd.Flags().DurationVar(&_runCmdOpts.reconnectBaseDelay, "reconnect-base-delay", connmgr.DefaultReconnectBaseDelay, "first reconnect delay, doubled on each attempt, eg. 5s")
	runCmd.Flags().IntVar(&_runCmdOpts.maxReconnectAttempts, "max-reconnect-attempts", connmgr.DefaultMaxReconnectAttempts, "reconnect attempts before giving up")
	runCmd.Flags().DurationVar(&_runCmdOpts.healthInterval, "health-interval", connmgr.DefaultHealthCheckInterval, "interval between API health checks, eg. 1m")
	runCmd.Flags().DurationVar(&_runCmdOpts.staleTimeout, "mqtt-stale-timeout", mqttapi.DefaultStaleTimeout, "reconnect when the broker is silent for this long")
	runCmd.Flags().DurationVar(&_runCmdOpts.monitorInterval, "mqtt-monitor-interval", mqttapi.DefaultMonitorInterval, "how often to check for a silent broker")
	runCmd.Flags().DurationVar(&_runCmdOpts.retryDelay, "command-retry-delay", cmdqueue.DefaultRetryDelay, "delay before resending a failed command")
	runCmd.Flags().IntVar(&_runCmdOpts.maxConcurrent, "max-concurrent-events", events.DefaultMaxConcurrent, "event handlers allowed to run at once")
	runCmd.Flags().Uint16Var(&_runCmdOpts.httpPort, "http-port", 0, "port for the local control API, 0 to disable")
	runCmd.Flags().DurationVar(&_runCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for the control API to finish, eg. 1m or 10s")
	runCmd.Flags().BoolVar(&_runCmdOpts.logRequests, "log-requests", false, "log control API requests and responses (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("connection.reconnect-base-delay", runCmd.Flags().Lookup("reconnect-base-delay")))
	errPanic(viper.GetViper().BindPFlag("connection.max-reconnect-attempts", runCmd.Flags().Lookup("max-reconnect-attempts")))
	errPanic(viper.GetViper().BindPFlag("connection.health-interval", runCmd.Flags().Lookup("health-interval")))
	errPanic(viper.GetViper().BindPFlag("mqtt.stale-timeout", runCmd.Flags().Lookup("mqtt-stale-timeout")))
	errPanic(viper.GetViper().BindPFlag("mqtt.monitor-interval", runCmd.Flags().Lookup("mqtt-monitor-interval")))
	errPanic(viper.GetViper().BindPFlag("queue.retry-delay", runCmd.Flags().Lookup("command-retry-delay")))
	errPanic(viper.GetViper().BindPFlag("events.max-concurrent", runCmd.Flags().Lookup("max-concurrent-events")))
	errPanic(viper.GetViper().BindPFlag("http.port", runCmd.Flags().Lookup("http-port")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", runCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", runCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(runCmd)
}

// logEvents writes bus traffic to the log so a bare bridge is observable
func logEvents(bus *events.Bus) {
	log := logging.Component("events")

	bus.Subscribe(events.DeviceState, func(e events.Event) {
		p := e.Payload.(events.DeviceStatePayload)
		log.WithFields(logrus.Fields{"device": p.DeviceID, "code": p.Code}).Infof("state: %v", p.Value)
	})
	bus.Subscribe(events.ConnectionState, func(e events.Event) {
		p := e.Payload.(events.ConnectionStatePayload)
		log.Infof("connection: %s -> %s", p.From, p.To)
	})
}

func newControlServer(m *connmgr.Manager, port uint) *http.Server {
	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	dh := handlers.NewDeviceHandler(m)

	r := mux.NewRouter()
	r.Use(middlewares.NewCorrelationMw(middlewares.DefaultCorrelationHeader))
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	dh.Register(r)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  time.Second * 15,
		WriteTimeout: time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      middlewares.NewCors(middlewares.DefaultCorsOptions(), r),
	}
}

func doRun() error {
	log := logging.Component("main")

	registry, err := loadDevices()
	if err != nil {
		return err
	}

	bus := events.NewBus(viper.GetInt("events.max-concurrent"))
	defer bus.Close()
	logEvents(bus)

	sub := mqttapi.NewLive().
		WithStaleTimeout(viper.GetDuration("mqtt.stale-timeout")).
		WithMonitorInterval(viper.GetDuration("mqtt.monitor-interval"))

	m := connmgr.New(newAPIClient(), sub, registry, bus, connmgr.Config{
		ReconnectBaseDelay:   viper.GetDuration("connection.reconnect-base-delay"),
		MaxReconnectAttempts: viper.GetInt("connection.max-reconnect-attempts"),
		HealthCheckInterval:  viper.GetDuration("connection.health-interval"),
		QueueOptions:         []cmdqueue.Option{cmdqueue.WithRetryDelay(viper.GetDuration("queue.retry-delay"))},
	})
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch err := m.Start(ctx); {
	case err == nil:
	case errors.Is(err, connmgr.ErrStopped):
		return nil
	case !tuyaapi.IsRetryable(err):
		return errors.Wrap(err, "connecting to the Tuya cloud")
	default:
		log.WithError(err).Warn("first connection failed, retrying in the background")
	}

	var srv *http.Server
	if port := viper.GetUint("http.port"); port > 0 {
		srv = newControlServer(m, port)

		log.Infof("Serving control API on port %d", port)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("running control API")
			}
		}()
	}

	// ctrl-c handler
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c
	log.Info("shutting down")

	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), viper.GetDuration("http.graceful-timeout"))
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.WithError(err).Error("shutting down control API")
		}
	}

	log.Info("exiting")
	return nil
}
