package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/twitter/netschedule/common/clock"
	"github.com/twitter/netschedule/common/endpoints"
	nserrors "github.com/twitter/netschedule/common/errors"
	"github.com/twitter/netschedule/common/log/hooks"
	"github.com/twitter/netschedule/common/stats"
	"github.com/twitter/netschedule/queue/api"
	"github.com/twitter/netschedule/queue/config"
	"github.com/twitter/netschedule/queue/server"
	"github.com/twitter/netschedule/queue/starter"
)

const startedGaugeSpike = 10 * time.Minute

func main() {
	log.AddHook(hooks.NewContextHook())

	configFlag := flag.String("config", "local.memory", "Named config or path to a JSON config file")
	httpAddr := flag.String("http_addr", "", "Bind address for the http admin server, overrides the config")
	udpAddr := flag.String("udp_addr", "", "Local address notifications are sent from, overrides the config")
	logLevelFlag := flag.String("log_level", "info", "Log everything at this level and above (error|info|debug)")
	flag.Parse()

	level, err := log.ParseLevel(*logLevelFlag)
	if err != nil {
		log.Error(err)
		os.Exit(int(nserrors.ConfigFailureExitCode))
	}
	log.SetLevel(level)

	if err := run(*configFlag, *httpAddr, *udpAddr); err != nil {
		log.WithFields(
			log.Fields{
				"err": err,
			}).Error("netscheduled exiting")
		os.Exit(int(nserrors.ExitCodeOf(err)))
	}
}

func run(configName, httpAddr, udpAddr string) error {
	cfg, err := config.Get(configName)
	if err != nil {
		return nserrors.NewError(err, nserrors.ConfigFailureExitCode)
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if udpAddr != "" {
		cfg.UDPAddr = udpAddr
	}
	log.Infof("Starting netscheduled with config %s", cfg)

	stat, stopStats := endpoints.MakeStatsReceiver("netschedule")
	defer stopStats()

	sender, err := server.NewUDPSender(cfg.UDPAddr, cfg.NotifPerSecond, cfg.NotifBurst)
	if err != nil {
		return nserrors.NewError(err, nserrors.ListenFailureExitCode)
	}
	defer sender.Close()

	svc, err := starter.NewService(cfg, sender, clock.New(), stat)
	if err != nil {
		return nserrors.NewError(err, nserrors.QueueLoadFailureExitCode)
	}
	defer svc.Close()

	twServer := endpoints.NewTwitterServer(cfg.HTTPAddr, stat)
	handlers := api.Register(twServer, svc.Server)
	defer handlers.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stats.StartUptimeReporting(ctx, stat, stats.NSServerUptimeGauge_ms, stats.NSServerStartedGauge, startedGaugeSpike)

	svc.Server.Start()

	served := make(chan error, 1)
	go func() { served <- twServer.Serve() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.Infof("Received %s, shutting down", sig)
		twServer.Close()
		return nil
	case err := <-served:
		if err == nil {
			return nil
		}
		return nserrors.NewError(fmt.Errorf("serving http admin on %s: %v", cfg.HTTPAddr, err), nserrors.ServeFailureExitCode)
	}
}
