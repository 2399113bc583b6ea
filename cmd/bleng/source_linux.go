//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/queue"
	"github.com/srg/bleng/internal/transport"
)

func openSource(adapter int, q *queue.Queue[event.Event], logger *logrus.Logger) (transport.Source, error) {
	return transport.NewHCISocket(adapter, q, logger)
}
