package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-bhs/alarm"
	"github.com/arloliu/go-bhs/api"
	"github.com/arloliu/go-bhs/config"
	"github.com/arloliu/go-bhs/events"
	"github.com/arloliu/go-bhs/gateway"
	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/repository"
	"github.com/arloliu/go-bhs/trigger"
)

type runFlags struct {
	configPath string
	logLevel   string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		Long: `Connect to every configured PLC channel and serve the trigger port and the HTTP API
until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runGateway(ctx, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "bhsgw.yaml", "Gateway config file path")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Override log_level: debug|info|warn|error")

	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the gateway config and every channel file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadGateway(cfgPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: %s\n", cfgPath)
			for _, ch := range cfg.ChannelConfigs {
				fmt.Fprintf(out, "  %-24s %s:%d channel_id=%d subsystem_id=%d\n", ch.Name, ch.Host, ch.Port, ch.ChannelID, ch.SubsystemID)
			}

			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "bhsgw.yaml", "Gateway config file path")

	return cmd
}

func runGateway(ctx context.Context, flags *runFlags) error {
	cfg, err := config.LoadGateway(flags.configPath)
	if err != nil {
		return err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(level)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	if err := a.start(ctx); err != nil {
		_ = a.stop()
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	return a.stop()
}

// app holds the running gateway and everything it was built from.
type app struct {
	cfg    *config.GatewayConfig
	logger logger.Logger

	repo      repository.Repository
	mqtt      *alarm.MQTTPublisher
	publisher events.Publisher
	manager   *gateway.Manager
	trigger   *trigger.Server
	api       *api.Server
}

func newApp(ctx context.Context, cfg *config.GatewayConfig) (*app, error) {
	a := &app{cfg: cfg, logger: logger.With("component", "bhsgw")}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	switch cfg.Repository.Backend {
	case config.BackendRedis:
		a.repo, err = repository.NewRedisRepository(ctx, cfg.Repository.Redis)
	default:
		a.repo, err = repository.NewFileRepository(cfg.Repository.File)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s repository: %w", cfg.Repository.Backend, err)
	}

	alarms := alarm.Multi{alarm.NewLogAlarmer(a.logger)}
	if cfg.MQTT.Enabled {
		a.mqtt = alarm.NewMQTTPublisher(cfg.MQTT.MQTTConfig, a.logger)
		alarms = append(alarms, a.mqtt)
	}

	a.publisher = events.Nop{}
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.KafkaConfig, a.logger)
		if err != nil {
			_ = a.repo.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		a.publisher = kp
	}

	a.manager, err = gateway.NewManager(ctx, cfg.ChannelConfigs, gateway.Deps{
		Repository:    a.repo,
		Publisher:     a.publisher,
		Alarmer:       alarms,
		TableDownload: cfg.TableDownload,
		LogDir:        cfg.LogDir,
		LogLevel:      level,
	})
	if err != nil {
		_ = a.publisher.Close()
		_ = a.repo.Close()

		return nil, err
	}

	a.trigger = trigger.NewServer(cfg.TriggerAddr, a.manager, trigger.WithLogger(a.logger))
	if cfg.APIAddr != "" {
		a.api = api.NewServer(cfg.APIAddr, a.manager, a.logger)
	}

	return a, nil
}

func (a *app) start(ctx context.Context) error {
	if a.mqtt != nil {
		// alarms raised while the broker is down are logged by the log alarmer
		if err := a.mqtt.Start(); err != nil {
			a.logger.Warn("mqtt alarm publisher unavailable", "broker", a.cfg.MQTT.Broker, "error", err)
		}
	}

	if err := a.manager.Start(); err != nil {
		return err
	}

	if err := a.trigger.Start(ctx); err != nil {
		return err
	}

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			return err
		}
	}

	a.logger.Info("gateway running", "channels", a.manager.ChannelNames(), "version", version)

	return nil
}

func (a *app) stop() error {
	var errs []error

	if a.api != nil {
		if err := a.api.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	a.trigger.Stop()

	if err := a.manager.Stop(); err != nil {
		errs = append(errs, err)
	}
	if a.mqtt != nil {
		a.mqtt.Stop()
	}
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := a.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close repository: %w", err))
	}

	a.logger.Info("gateway stopped")

	return errors.Join(errs...)
}
