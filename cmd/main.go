package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/MuchTitan/go-log-tailer/internal/config"
	"github.com/sirupsen/logrus"
)

type FlagOptions struct {
	configPath *string
}

var opts = FlagOptions{}

func init() {
	opts.configPath = flag.String("cfg", "/app/cfg.yaml", "provided the path to your config file")
	flag.Parse()
}

func main() {
	engine, err := config.NewPluginEngine(*opts.configPath)
	if err != nil {
		logrus.WithError(err).Fatal("could not set up log tailer")
	}

	logrus.Info("Starting log tailer")

	if err := engine.Start(); err != nil {
		engine.Stop()
		logrus.WithError(err).Fatal("could not start log tailer")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logrus.Info("Stopping log tailer")
	if err := engine.Stop(); err != nil {
		logrus.WithError(err).Error("log tailer did not stop cleanly")
		os.Exit(1)
	}
}
