package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blprov/internal/provision"
	"github.com/srg/blprov/internal/radio/goble"
	"github.com/srg/blprov/internal/radio/tinygo"
	"github.com/srg/blprov/pkg/config"
)

// radioBackend is a provision.Radio that owns host resources.
type radioBackend interface {
	provision.Radio
	Close()
}

// radioOpener is replaced in tests.
var radioOpener = openRadio

// openRadio opens the configured backend. The adapter reports its power state to sink.
func openRadio(cfg *config.Config, sink provision.EventSink, logger *logrus.Logger) (radioBackend, error) {
	switch cfg.Backend {
	case config.BackendGoBLE:
		a, err := goble.Open(sink, goble.WithLogger(logger), goble.WithConnectTimeout(cfg.ConnectTimeout))
		if err != nil {
			return nil, err
		}
		return a, nil
	case config.BackendTinyGo:
		a, err := tinygo.Open(sink, tinygo.WithLogger(logger), tinygo.WithConnectTimeout(cfg.ConnectTimeout))
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
