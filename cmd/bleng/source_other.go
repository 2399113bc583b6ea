//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/queue"
	"github.com/srg/bleng/internal/transport"
)

func openSource(int, *queue.Queue[event.Event], *logrus.Logger) (transport.Source, error) {
	return nil, fmt.Errorf("the HCI user channel is only available on linux (running on %s)", runtime.GOOS)
}
