package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/golang-io/mqttd"
	"github.com/golang-io/mqttd/security"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "mqtt-server",
		Short: "mqttd broker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("mqtt-url", "mqtt://127.0.0.1:1883", "MQTT listen address, empty to disable")
	flags.String("mqtts-url", "", "MQTT-over-TLS listen address, empty to disable")
	flags.String("mqtts-cert-file", "", "TLS certificate file for mqtts-url")
	flags.String("mqtts-key-file", "", "TLS key file for mqtts-url")
	flags.String("websocket-url", "", "WebSocket listen address, empty to disable")
	flags.String("http-url", "http://127.0.0.1:9090", "metrics/pprof HTTP listen address, empty to disable")
	flags.Duration("keep-alive-max", 2*time.Minute, "maximum keep-alive a CONNECT may request")
	flags.Int("receive-maximum", 65535, "maximum in-flight QoS1/2 publishes per session")
	flags.Uint32("maximum-packet-size", 268435455, "maximum packet size the broker accepts")
	flags.Uint16("topic-alias-maximum", 16, "maximum topic aliases per connection")
	flags.Int("offline-queue-cap", 1000, "maximum queued messages per offline session")
	flags.Bool("allow-long-client-ids", true, "accept v3.1.1 client identifiers longer than 23 characters")
	flags.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight connections on shutdown")
	flags.Duration("pingresp-timeout", 30*time.Second, "PINGRESP wait before a connection is dropped")
	flags.String("security-config", "", "path to the security/ACL JSONC file, empty for anonymous-only defaults")
	flags.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
	flags.String("config", "", "optional YAML config file")

	if err := v.BindPFlags(flags); err != nil {
		logrus.WithError(err).Fatal("bind flags")
	}
	v.SetEnvPrefix("MQTTD")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfg, _ := flags.GetString("config"); cfg != "" {
			v.SetConfigFile(cfg)
			if err := v.ReadInConfig(); err != nil {
				logrus.WithError(err).Fatal("read config file")
			}
		}
	})

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(v.GetString("log-level")); err == nil {
		log.SetLevel(lvl)
	}

	opts := mqtt.DefaultBrokerOptions()
	opts.MQTT.URL = v.GetString("mqtt-url")
	opts.MQTTs.URL = v.GetString("mqtts-url")
	opts.MQTTs.CertFile = v.GetString("mqtts-cert-file")
	opts.MQTTs.KeyFile = v.GetString("mqtts-key-file")
	opts.WebSocket.URL = v.GetString("websocket-url")
	opts.HTTP.URL = v.GetString("http-url")
	opts.KeepAliveMax = v.GetDuration("keep-alive-max")
	opts.ReceiveMaximum = v.GetInt("receive-maximum")
	opts.MaximumPacketSize = uint32(v.GetUint32("maximum-packet-size"))
	opts.TopicAliasMaximum = uint16(v.GetUint32("topic-alias-maximum"))
	opts.OfflineQueueCap = v.GetInt("offline-queue-cap")
	opts.AllowLongClientIDs = v.GetBool("allow-long-client-ids")
	opts.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	opts.PingRespTimeout = v.GetDuration("pingresp-timeout")
	opts.SecurityConfigPath = v.GetString("security-config")

	sec := security.DefaultConfig()
	if opts.SecurityConfigPath != "" {
		f, err := os.Open(opts.SecurityConfigPath)
		if err != nil {
			return fmt.Errorf("open security config: %w", err)
		}
		sec, err = security.LoadJSON(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("load security config: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := mqtt.NewBroker(opts, sec, log)
	s := mqtt.NewServer(ctx, b)

	group, _ := errgroup.WithContext(ctx)

	group.Go(func() error {
		if opts.MQTT.URL == "" {
			return nil
		}
		log.WithField("addr", opts.MQTT.URL).Info("mqtt listener starting")
		return s.ListenAndServe(mqtt.URL(opts.MQTT.URL))
	})

	group.Go(func() error {
		if opts.MQTTs.URL == "" {
			return nil
		}
		log.WithField("addr", opts.MQTTs.URL).Info("mqtts listener starting")
		return s.ListenAndServeTLS(opts.MQTTs.CertFile, opts.MQTTs.KeyFile, mqtt.URL(opts.MQTTs.URL))
	})

	group.Go(func() error {
		if opts.WebSocket.URL == "" {
			return nil
		}
		log.WithField("addr", opts.WebSocket.URL).Info("websocket listener starting")
		return s.ListenAndServeWebsocket(mqtt.URL(opts.WebSocket.URL))
	})

	group.Go(func() error {
		if opts.HTTP.URL == "" {
			return nil
		}
		u, err := url.Parse(opts.HTTP.URL)
		if err != nil {
			return fmt.Errorf("parse http-url: %w", err)
		}
		log.WithField("addr", u.Host).Info("metrics listener starting")
		return mqtt.Httpd(u.Host, log)
	})

	go mqtt.RefreshBrokerGauges(ctx, b, 15*time.Second)

	return group.Wait()
}
