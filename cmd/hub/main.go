// Command hub runs the service registry and discovery hub: the RPC Surface
// and the HTTP/JSON Surface over a shared Registry Store, Event Bus, and
// Liveness Monitor.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"hubd/internal/bus"
	"hubd/internal/config"
	"hubd/internal/httpserver"
	"hubd/internal/liveness"
	"hubd/internal/rpcserver"
	"hubd/internal/store"
	"hubd/server"
)

func main() {
	conf := config.DefaultConfig()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("hub: config file not found, using default config: %v", err)
	} else if err := viper.Unmarshal(conf); err != nil {
		log.Printf("hub: failed to unmarshal config: %v, using default config", err)
	}

	grpcHost := flag.String("grpc-host", conf.GRPC.Host, "RPC surface listen host")
	grpcPort := flag.String("grpc-port", conf.GRPC.Port, "RPC surface listen port")
	httpHost := flag.String("http-host", conf.HTTP.Host, "HTTP surface listen host")
	httpPort := flag.String("http-port", conf.HTTP.Port, "HTTP surface listen port")
	sweepInterval := flag.Duration("sweep-interval", conf.Liveness.SweepInterval, "liveness sweep interval")
	offlineThreshold := flag.Duration("offline-threshold", conf.Liveness.OfflineThreshold, "heartbeat age before a record is marked offline")
	flag.Parse()

	conf.GRPC.Host, conf.GRPC.Port = *grpcHost, *grpcPort
	conf.HTTP.Host, conf.HTTP.Port = *httpHost, *httpPort
	conf.Liveness.SweepInterval, conf.Liveness.OfflineThreshold = *sweepInterval, *offlineThreshold

	eventBus := bus.New()
	registryStore := store.New(eventBus)

	monitor := liveness.New(registryStore, conf.Liveness.SweepInterval, conf.Liveness.OfflineThreshold)

	rpcHub := rpcserver.New(registryStore)
	rpcSrv := server.NewServer()
	if err := rpcserver.Mount(rpcSrv, rpcHub); err != nil {
		log.Fatalf("hub: failed to mount RPC surface: %v", err)
	}

	httpSrv := httpserver.New(registryStore, eventBus)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 2)

	go func() {
		grpcAddr := *grpcHost + ":" + *grpcPort
		log.Printf("hub: RPC surface listening on %s", grpcAddr)
		if err := rpcSrv.Serve("tcp", grpcAddr); err != nil {
			errCh <- err
		}
	}()

	go func() {
		httpAddr := *httpHost + ":" + *httpPort
		log.Printf("hub: HTTP surface listening on %s", httpAddr)
		if err := httpSrv.ListenAndServe(ctx, httpAddr); err != nil {
			errCh <- err
		}
	}()

	go func() {
		if err := monitor.Run(ctx); err != nil {
			log.Printf("hub: liveness monitor stopped: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	failed := false
	select {
	case sig := <-sigChan:
		log.Printf("hub: received %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("hub: surface failed: %v", err)
		failed = true
	}

	cancel()
	eventBus.CloseAll()
	if err := rpcSrv.Shutdown(5 * time.Second); err != nil {
		log.Printf("hub: RPC surface shutdown: %v", err)
	}

	if failed {
		os.Exit(1)
	}
}
