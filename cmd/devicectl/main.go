package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/devicelink/internal/agent"
	"github.com/danmuck/devicelink/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a devicectl TOML config (defaults when empty)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := agent.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "devicectl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc := agent.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "devicectl: %v\n", err)
		os.Exit(1)
	}
}
