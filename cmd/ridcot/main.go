package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ridcot/internal/app"
)

func main() {
	config := app.DefaultConfig()
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ridcot",
		Short: "Remote ID to Cursor on Target gateway",
		Long: `Remote ID to Cursor on Target gateway.

Subscribes to Remote ID sensor telemetry on an MQTT broker, decodes the
Open Drone ID payloads (BasicID, Location, SelfID, System, OperatorID and
authentication pages), and forwards the resulting CoT events to a TAK
endpoint or stdout.

Example usage:
  ridcot --broker tcp://localhost:1883 --topic '#' --tak tcp://takserver:8087`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.ShowVersion {
				app.ShowVersion()
				return nil
			}

			if configPath != "" {
				fileConfig, err := app.LoadConfig(configPath)
				if err != nil {
					return err
				}
				mergeUnsetFlags(cmd, &config, fileConfig)
			}

			application := app.NewApplication(config)
			return application.Start()
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (flags override file values)")

	rootCmd.Flags().StringVarP(&config.BrokerURL, "broker", "b", config.BrokerURL, "MQTT broker URL")
	rootCmd.Flags().StringVarP(&config.Topic, "topic", "t", config.Topic, "MQTT topic pattern to subscribe to")
	rootCmd.Flags().StringVar(&config.ClientID, "client-id", "", "MQTT client id (generated when empty)")
	rootCmd.Flags().StringVar(&config.Username, "username", "", "MQTT username")
	rootCmd.Flags().StringVar(&config.Password, "password", "", "MQTT password")
	rootCmd.Flags().StringVar(&config.CertFile, "cert", "", "MQTT TLS client certificate file")
	rootCmd.Flags().StringVar(&config.KeyFile, "key", "", "MQTT TLS client key file")
	rootCmd.Flags().StringVar(&config.CAFile, "ca", "", "MQTT TLS CA bundle file")

	rootCmd.Flags().IntVar(&config.StaleSeconds, "stale", config.StaleSeconds, "CoT event stale window (seconds)")
	rootCmd.Flags().StringVar(&config.Access, "access", config.Access, "CoT access attribute")
	rootCmd.Flags().StringVar(&config.HostID, "host-id", config.HostID, "Gateway host identifier stamped on events")
	rootCmd.Flags().StringVar(&config.UASType, "uas-type", config.UASType, "CoT type for UAS events")
	rootCmd.Flags().StringVar(&config.OperatorType, "operator-type", config.OperatorType, "CoT type for operator events")
	rootCmd.Flags().StringVar(&config.SensorType, "sensor-type", config.SensorType, "CoT type for sensor status events")
	rootCmd.Flags().StringVar(&config.DefaultSensorID, "sensor-id", config.DefaultSensorID, "Sensor id used when a message carries none")
	rootCmd.Flags().StringVar(&config.DefaultPayloadType, "payload-type", config.DefaultPayloadType, "Payload type used when a message carries none")

	rootCmd.Flags().StringVar(&config.GPSCommand, "gps-command", config.GPSCommand, "GPS fix command (empty disables the fallback)")
	rootCmd.Flags().IntVar(&config.GPSTimeoutSeconds, "gps-timeout", config.GPSTimeoutSeconds, "GPS fix command deadline (seconds)")

	rootCmd.Flags().StringVar(&config.TAKDestination, "tak", config.TAKDestination, "TAK destination: tcp://host:port, tls://host:port or - for stdout")
	rootCmd.Flags().StringVar(&config.TAKCertFile, "tak-cert", "", "TAK TLS client certificate file")
	rootCmd.Flags().StringVar(&config.TAKKeyFile, "tak-key", "", "TAK TLS client key file")
	rootCmd.Flags().StringVar(&config.TAKCAFile, "tak-ca", "", "TAK TLS CA bundle file")

	rootCmd.Flags().StringVar(&config.MetricsAddr, "metrics", "", "Prometheus /metrics listen address (empty disables)")
	rootCmd.Flags().IntVar(&config.QueueSize, "queue-size", config.QueueSize, "Internal and egress queue sizes")
	rootCmd.Flags().BoolVarP(&config.Verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.Flags().BoolVar(&config.ShowVersion, "version", false, "Show version information")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// mergeUnsetFlags copies file values into config for every option whose flag
// was not given on the command line, so flags always win over the file.
func mergeUnsetFlags(cmd *cobra.Command, config *app.Config, file app.Config) {
	merge := map[string]func(){
		"broker":        func() { config.BrokerURL = file.BrokerURL },
		"topic":         func() { config.Topic = file.Topic },
		"client-id":     func() { config.ClientID = file.ClientID },
		"username":      func() { config.Username = file.Username },
		"password":      func() { config.Password = file.Password },
		"cert":          func() { config.CertFile = file.CertFile },
		"key":           func() { config.KeyFile = file.KeyFile },
		"ca":            func() { config.CAFile = file.CAFile },
		"stale":         func() { config.StaleSeconds = file.StaleSeconds },
		"access":        func() { config.Access = file.Access },
		"host-id":       func() { config.HostID = file.HostID },
		"uas-type":      func() { config.UASType = file.UASType },
		"operator-type": func() { config.OperatorType = file.OperatorType },
		"sensor-type":   func() { config.SensorType = file.SensorType },
		"sensor-id":     func() { config.DefaultSensorID = file.DefaultSensorID },
		"payload-type":  func() { config.DefaultPayloadType = file.DefaultPayloadType },
		"gps-command":   func() { config.GPSCommand = file.GPSCommand },
		"gps-timeout":   func() { config.GPSTimeoutSeconds = file.GPSTimeoutSeconds },
		"tak":           func() { config.TAKDestination = file.TAKDestination },
		"tak-cert":      func() { config.TAKCertFile = file.TAKCertFile },
		"tak-key":       func() { config.TAKKeyFile = file.TAKKeyFile },
		"tak-ca":        func() { config.TAKCAFile = file.TAKCAFile },
		"metrics":       func() { config.MetricsAddr = file.MetricsAddr },
		"queue-size":    func() { config.QueueSize = file.QueueSize },
		"verbose":       func() { config.Verbose = file.Verbose },
	}

	for name, apply := range merge {
		if !cmd.Flags().Changed(name) {
			apply()
		}
	}
}
