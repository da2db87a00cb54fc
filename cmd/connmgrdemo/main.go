// Command connmgrdemo wires the call-control core end to end against a real
// github.com/emiago/sipgo transport, mirroring cmd/test_sip's
// flag-driven convention (server/client modes).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sipcm/connmgr/pkg/connconfig"
	"github.com/sipcm/connmgr/pkg/connection"
	"github.com/sipcm/connmgr/pkg/connlog"
	"github.com/sipcm/connmgr/pkg/factory"
	"github.com/sipcm/connmgr/pkg/handle"
	"github.com/sipcm/connmgr/pkg/media"
	"github.com/sipcm/connmgr/pkg/mediaengine"
	"github.com/sipcm/connmgr/pkg/sipstack"
	"github.com/sipcm/connmgr/pkg/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a connection config file (yaml/json/toml)")
		accountURI = flag.String("account", "sip:alice@example.com", "Account URI, used when -config is empty")
		registrar  = flag.String("registrar", "sip:registrar.example.com", "Registrar URI, used when -config is empty")
		password   = flag.String("password", "", "Account password, used when -config is empty")
		mode       = flag.String("mode", "listen", "Mode: listen, call")
		target     = flag.String("target", "", "Target URI for -mode=call")
		userAgent  = flag.String("user-agent", "connmgrdemo/1.0", "SIP User-Agent header value")
	)
	flag.Parse()

	log := connlog.New(os.Stderr, "connmgrdemo")
	metrics := telemetry.New("sipconnmgr")

	cfg, err := loadConfig(*configPath, *accountURI, *registrar, *password)
	if err != nil {
		log.Error("loading config failed", err)
		os.Exit(1)
	}

	stack, err := sipstack.NewGoSIPAdapter(*userAgent, log)
	if err != nil {
		log.Error("creating sip stack failed", err)
		os.Exit(1)
	}

	core := connection.New(connection.Config{
		ConnectionPath: "/org/sipcm/Connection0",
		Settings:       cfg,
		Handles:        handle.New(),
		Stack:          stack,
		Engine:         mediaengine.NewFakeEngine(),
		Logger:         log,
		Metrics:        metrics,
		OnStatusChanged: func(status string, cause error) {
			if cause != nil {
				log.Info("status changed", connlog.F("status", status), connlog.F("cause", cause.Error()))
				return
			}
			log.Info("status changed", connlog.F("status", status))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if *mode == "call" {
		go placeCall(core, *target, log)
	}

	if err := core.Start(ctx); err != nil {
		log.Error("connection stopped", err)
		os.Exit(1)
	}
}

func loadConfig(path, accountURI, registrarURI, password string) (*connconfig.ConnectionConfig, error) {
	if path != "" {
		return connconfig.Load(path)
	}
	return &connconfig.ConnectionConfig{
		AccountURI:            accountURI,
		RegistrarURI:          registrarURI,
		Password:              password,
		RegisterExpirySeconds: 300,
	}, nil
}

// placeCall demonstrates the RequestChannel -> AddStream -> StartOutbound
// sequence (the caller, not ConnectionCore, owns stream setup timing).
func placeCall(core *connection.Core, target string, log connlog.Logger) {
	if target == "" {
		return
	}
	ch, result, err := core.RequestChannel(factory.HandleTypeContact, target)
	if err != nil {
		log.Error("requesting channel failed", err)
		return
	}
	if result != factory.Created {
		log.Warn("channel request rejected", connlog.F("result", string(result)))
		return
	}
	if _, err := ch.Session().AddStream(media.Audio); err != nil {
		log.Error("adding audio stream failed", err)
		return
	}
	if err := ch.StartOutbound(context.Background()); err != nil {
		log.Error("starting outbound call failed", err)
	}
}
