package main

import (
	"fmt"
	"os"
	"time"

	"github.com/aethernetio/aether-go"
	"github.com/spf13/pflag"
)

func main() {
	endpointFlag := pflag.StringP("endpoint", "e", "tcp://127.0.0.1:9443", "Server endpoint to dial (scheme://host:port)")
	timeoutFlag := pflag.DurationP("timeout", "t", aether.DefaultConnectTimeout, "Connect timeout")
	messageFlag := pflag.StringP("message", "m", "", "If set, send this message once connected and print the echo")
	listFactories := pflag.Bool("list-transports", false, "List registered transport factories and exit")
	pflag.Usage = printUsage
	pflag.Parse()

	if *listFactories {
		for _, scheme := range aether.ListTransportFactories() {
			fmt.Println(scheme)
		}
		return
	}

	logger := aether.NewLogger().With("aetherctl")

	ep, err := aether.ParseEndpoint(*endpointFlag)
	if err != nil {
		logger.Error("invalid endpoint", err)
		os.Exit(1)
	}

	cfg := buildConfig(*timeoutFlag, logger)
	sched := aether.NewScheduler()

	raw, err := aether.DialEndpoint(ep, cfg)
	if err != nil {
		logger.Error("dial failed", err, "endpoint", ep.String())
		os.Exit(1)
	}

	stream := aether.NewSizedPacketGate(raw)
	done := make(chan struct{})
	stream.OutData().Subscribe(func(b []byte) {
		fmt.Printf("< %s\n", string(b))
		close(done)
	})

	go sched.Run(make(chan struct{}))

	if *messageFlag != "" {
		action := stream.Write([]byte(*messageFlag))
		if err := action.Wait(); err != nil {
			logger.Error("write failed", err)
			os.Exit(1)
		}
		fmt.Printf("> %s\n", *messageFlag)
		select {
		case <-done:
		case <-time.After(*timeoutFlag):
			logger.Warn("timed out waiting for echo")
		}
	}

	stream.Close()
}

func buildConfig(timeout time.Duration, logger aether.Logger) *aether.Config {
	return aether.NewConfig(
		aether.WithConnectTimeout(timeout),
		aether.WithLogger(logger),
	)
}

func printUsage() {
	fmt.Println("aetherctl - dial an Aether endpoint and optionally send one message")
	fmt.Println()
	fmt.Println("Usage:")
	pflag.PrintDefaults()
}
