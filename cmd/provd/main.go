package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/provlab/phone-provisioning-backend/api/mgmthandler"
	"github.com/provlab/phone-provisioning-backend/api/provhandler"
	"github.com/provlab/phone-provisioning-backend/common"
	"github.com/provlab/phone-provisioning-backend/engine"
	"github.com/provlab/phone-provisioning-backend/httpserver"
	"github.com/provlab/phone-provisioning-backend/identifier"
	"github.com/provlab/phone-provisioning-backend/interfaces"
	"github.com/provlab/phone-provisioning-backend/metrics"
	"github.com/provlab/phone-provisioning-backend/plugins"
	"github.com/provlab/phone-provisioning-backend/registry"
	"github.com/provlab/phone-provisioning-backend/resolver"
	"github.com/provlab/phone-provisioning-backend/storage"
	tftpserver "github.com/provlab/phone-provisioning-backend/tftp"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8667",
		Usage: "address to listen on for provisioning and management API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8668",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "tftp-addr",
		Value: "",
		Usage: "address to listen on for TFTP (empty disables TFTP)",
	},
	&cli.StringFlag{
		Name:  "store-uri",
		Value: "memory://",
		Usage: "document store location: memory://, file:///path, s3://bucket/prefix, vault://host:8200/mount/path",
	},
	&cli.StringFlag{
		Name:  "provisioning-tenant",
		Value: "",
		Usage: "tenant scope served by the provisioning listeners (empty means the system tenant)",
	},
	&cli.StringSliceFlag{
		Name:  "plugin",
		Value: cli.NewStringSlice("zentel-v2", "polaris-sip"),
		Usage: "builtin plugins to install at startup",
	},
	&cli.StringFlag{
		Name:  "ntp-server",
		Value: "",
		Usage: "NTP server injected into the seeded base configuration",
	},
	&cli.StringFlag{
		Name:  "sip-registrar",
		Value: "",
		Usage: "SIP registrar injected into the seeded base configuration",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "provd",
		Usage: "Serve phone provisioning over HTTP and TFTP",
		Flags: flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	listenAddr := cCtx.String("listen-addr")
	metricsAddr := cCtx.String("metrics-addr")
	tftpAddr := cCtx.String("tftp-addr")
	storeURI := cCtx.String("store-uri")
	provTenant := cCtx.String("provisioning-tenant")
	startupPlugins := cCtx.StringSlice("plugin")
	logJSON := cCtx.Bool("log-json")
	logDebug := cCtx.Bool("log-debug")
	logUID := cCtx.Bool("log-uid")
	logService := cCtx.String("log-service")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}

	ctx := context.Background()

	// Storage: one backend, two namespaced collections.
	storeFactory := storage.NewStoreFactory(logger)
	store, err := storeFactory.StoreFor(storeURI)
	if err != nil {
		logger.Error("Failed to create document store", "err", err, "uri", storeURI)
		return err
	}
	logger.Info("Using document store", "backend", store.Name(), "location", store.LocationURI())

	documents := storage.NewDocumentCollection(store, logger)
	devices := storage.NewDeviceCollection(store, logger)
	if err := documents.Load(ctx); err != nil {
		logger.Error("Failed to load config documents", "err", err)
		return err
	}
	if err := devices.Load(ctx); err != nil {
		logger.Error("Failed to load devices", "err", err)
		return err
	}

	baseConfig := interfaces.RawConfig{}
	if v := cCtx.String("ntp-server"); v != "" {
		baseConfig["ntp_enabled"] = true
		baseConfig["ntp_server"] = v
	}
	if v := cCtx.String("sip-registrar"); v != "" {
		baseConfig["sip_registrar"] = v
	}
	if err := storage.Seed(ctx, documents, baseConfig); err != nil {
		logger.Error("Failed to seed system documents", "err", err)
		return err
	}

	// Metrics server is created first so its counters can be shared with
	// the engine.
	metricsSrv, err := metrics.New(common.PackageName, metricsAddr)
	if err != nil {
		logger.Error("Failed to create metrics server", "err", err)
		return err
	}

	// Plugin registry with the requested builtins installed.
	available := make(map[string]interfaces.PluginDescriptor)
	for _, plugin := range plugins.Builtins() {
		available[plugin.ID] = plugin
	}
	reg := registry.NewPluginRegistry(logger)
	for _, id := range startupPlugins {
		plugin, ok := available[id]
		if !ok {
			logger.Warn("Unknown builtin plugin, skipping", "plugin", id)
			continue
		}
		if err := reg.Install(plugin); err != nil {
			logger.Error("Failed to install plugin", "err", err, "plugin", id)
			return err
		}
	}

	ident := identifier.New(devices, documents, reg, metricsSrv.Metrics, logger)
	eng := engine.New(documents, devices, resolver.New(documents, logger), ident, reg, metricsSrv.Metrics, logger)

	cfg := &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}

	prov := provhandler.NewHandler(eng, provTenant, logger)
	mgmt := mgmthandler.NewHandler(eng, reg, available, logger)
	server, err := httpserver.New(cfg, metricsSrv, prov, mgmt)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	var tftpSrv *tftpserver.Server
	if tftpAddr != "" {
		tftpSrv = tftpserver.NewServer(eng, tftpAddr, provTenant, logger)
		tftpSrv.RunInBackground()
	}

	// Wait for termination signal
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	if tftpSrv != nil {
		tftpSrv.Shutdown()
	}
	server.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}
