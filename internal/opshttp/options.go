package opshttp

import (
	"net/http"

	"github.com/keithlinneman/quotagate/internal/monitor"
	"github.com/keithlinneman/quotagate/internal/probe"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      probe.Probe
	Readiness   probe.Probe

	// Monitor backs the /-/alerts and /-/quota read endpoints. May be nil,
	// which disables them.
	Monitor *monitor.Monitor
}
