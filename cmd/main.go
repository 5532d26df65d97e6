package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	oneclient "github.com/indigo-dc/oneclient/pkg"
)

func main() {
	configManager, err := oneclient.NewConfigManager[oneclient.ClientConfig]()
	if err != nil {
		log.Fatalf("Failed to load config: %v\n", err)
	}

	config := configManager.GetConfig()
	if err := oneclient.ValidateConfig(&config); err != nil {
		fmt.Fprintf(os.Stderr, "oneclient: %v\n", err)
		os.Exit(1)
	}

	oneclient.InitLogger(config.DebugMode, config.PrettyLogs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := oneclient.DialProvider(ctx, &config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oneclient: cannot connect to provider %s: %v\n", config.ProviderHost, err)
		os.Exit(1)
	}

	logic, err := oneclient.NewFsLogic(ctx, &config, provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oneclient: handshake with %s failed: %v\n", config.ProviderHost, err)
		os.Exit(1)
	}

	startServer, serverError, err := oneclient.Mount(logic, oneclient.FileSystemOpts{
		MountPoint: config.MountPoint,
		Verbose:    config.DebugMode,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "oneclient: mount failed: %v\n", err)
		os.Exit(1)
	}
	if err := startServer(); err != nil {
		fmt.Fprintf(os.Stderr, "oneclient: mount failed: %v\n", err)
		os.Exit(1)
	}

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverError:
		if err != nil {
			fmt.Fprintf(os.Stderr, "oneclient: fuse server failed: %v\n", err)
			os.Exit(1)
		}
	case <-terminationSignal:
		log.Println("Termination signal received. Shutting down...")
	}

	if err := logic.Close(ctx); err != nil {
		oneclient.GetLogger().Warnf("session teardown: %v", err)
	}
}
