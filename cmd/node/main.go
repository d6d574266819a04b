package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/botho-network/botho/crypto"
	"github.com/botho-network/botho/node"
)

func main() {
	configPath := flag.String("config", "botho.yaml", "Path to node configuration")
	genKey := flag.String("genkey", "", "Generate a validator key file at this path and exit")
	logLevel := flag.String("loglevel", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("bad log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *genKey != "" {
		generateKey(*genKey)
		return
	}

	cfg, err := node.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		logrus.Fatalf("create node: %v", err)
	}

	if err := n.Start(); err != nil {
		logrus.Fatalf("start node: %v", err)
	}
	logrus.WithField("validator", n.PublicKey()).Info("running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logrus.Info("shutting down")
	n.Stop()
}

func generateKey(path string) {
	keys, err := crypto.GenerateValidatorKey()
	if err != nil {
		logrus.Fatalf("generate key: %v", err)
	}
	if err := node.WriteValidatorKey(path, keys.PrivateKey, keys.PublicKey); err != nil {
		logrus.Fatalf("write key file: %v", err)
	}
	logrus.WithField("public_key", keys.PublicKey).Infof("validator key written to %s", path)
}
