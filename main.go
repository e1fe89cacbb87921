package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/QingMing-Bot/pc-manager/internal/api"
	"github.com/QingMing-Bot/pc-manager/internal/cli"
	"github.com/QingMing-Bot/pc-manager/internal/events"
	"github.com/QingMing-Bot/pc-manager/internal/fleet"
	"github.com/QingMing-Bot/pc-manager/internal/libvirt"
	"github.com/QingMing-Bot/pc-manager/internal/metrics"
	"github.com/QingMing-Bot/pc-manager/internal/power"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
	"github.com/QingMing-Bot/pc-manager/internal/service"
	"github.com/QingMing-Bot/pc-manager/internal/ssh"
	"github.com/QingMing-Bot/pc-manager/internal/wakeonlan"
	"github.com/QingMing-Bot/pc-manager/pkg/config"
	"github.com/QingMing-Bot/pc-manager/pkg/secret"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.Execute(ctx, open, os.Args[1:]); err != nil {
		stop()
		os.Exit(1)
	}
}

// open 按配置组装全部组件
func open(ctx context.Context, configPath string) (*cli.App, func(), error) {
	if configPath == "" {
		configPath = os.Getenv("PCM_CONFIG")
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}

	db, err := repository.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	id, err := secret.LoadOrCreateIdentity(cfg.IdentityFile())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	machines := repository.NewMachineRepo(db)
	creds := repository.NewCredentialRepo(db, secret.NewSealer(id))
	ops := repository.NewOperationRepo(db)
	history := repository.NewHistoryRepo(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var pub events.Publisher = events.Nop{}
	var nc *events.NATS
	if cfg.NATSURL != "" {
		// 连不上不阻止命令执行
		if nc, err = events.Connect(cfg.NATSURL, log); err != nil {
			log.Warn("status events disabled", zap.String("url", cfg.NATSURL), zap.Error(err))
		} else {
			pub = nc
		}
	}

	executor := ssh.NewExecutor(cfg.MaxParallel, ssh.WithPort(cfg.SSHPort), ssh.WithDialTimeout(cfg.SSHDialTimeoutDuration()))
	f := fleet.New(fleet.Deps{
		Machines:    machines,
		Credentials: creds,
		Operations:  ops,
		Dialer:      executor,
		Connector:   libvirt.NewSSHConnector(executor, cfg.LibvirtSocket),
		WakeOnLan:   wakeonlan.NewUDPSender(""),
		Observer:    power.Observers{metrics.New(reg), events.NewStatusPublisher(pub, log)},
		Logger:      log,

		WakeOnLanPolling: polling(cfg.WOLPollInterval, cfg.WOLPollTimeout, power.WakeOnLanPolling),
		LibvirtPolling:   polling(cfg.LibvirtPollInterval, cfg.LibvirtPollTimeout, power.LibvirtPolling),
	})
	writer := service.NewHistoryWriter(history, cfg.HistoryFlushIntervalDuration(), cfg.HistoryBatchSize, log)
	svc := service.NewActionService(f, writer, cfg.MaxParallel, cfg.ActionTimeoutDuration(), log)

	app := &cli.App{
		Backend: api.NewBackend(api.Deps{
			Machines: machines, Credentials: creds, Operations: ops, History: history,
			Fleet: f, Service: svc, Logger: log,
		}),
		History:  history,
		Gatherer: reg,
		Config:   cfg,
		Logger:   log,
	}
	release := func() {
		writer.Close()
		if n := writer.Dropped(); n > 0 {
			log.Warn("history entries dropped", zap.Int64("count", n))
		}
		if nc != nil {
			nc.Close()
		}
		_ = db.Close()
		_ = log.Sync()
	}
	return app, release, nil
}

// polling 覆盖非零的秒数
func polling(interval, timeout int, def power.Polling) power.Polling {
	if interval > 0 {
		def.Interval = time.Duration(interval) * time.Second
	}
	if timeout > 0 {
		def.Timeout = time.Duration(timeout) * time.Second
	}
	return def
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.LogFormat != "json" {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
