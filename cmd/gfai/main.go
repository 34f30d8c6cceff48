package main

import (
	"fmt"
	"os"

	"gwi.com/form-insights/internal/app"
	"gwi.com/form-insights/internal/cli"
	"gwi.com/form-insights/internal/config"
	"gwi.com/form-insights/internal/logging"
)

func main() {
	config.LoadConfig()
	logging.Init(config.AppConfig.LogLevel, config.AppConfig.Environment)

	open := func() (*app.App, error) {
		return app.FromConfig(config.AppConfig)
	}

	if err := cli.NewRootCmd(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
