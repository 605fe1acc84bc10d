package main

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/memfleet/memfleet/cacheconn"
)

/*
The standalone daemon has no real cache protocol linked in; it exists so
operators can watch a service's membership and presence behavior.  The
monitor factory stands in for the cache client stack and just logs what a
real pool would be told to do.
*/
type monitorFactory struct {
	logger  *zap.Logger
	nextIdx atomic.Int32
}

var _ cacheconn.Factory = (*monitorFactory)(nil)

func newMonitorFactory(logger *zap.Logger) *monitorFactory {
	return &monitorFactory{
		logger: logger,
	}
}

func (f *monitorFactory) NewClient(endpoints []string, obs cacheconn.Observer) (cacheconn.Client, error) {
	idx := f.nextIdx.Add(1) - 1

	c := &monitorClient{
		logger: f.logger.With(zap.Int32("slot", idx)),
	}
	c.logger.Info("created cache client slot", zap.Strings("endpoints", endpoints))

	return c, nil
}

type monitorClient struct {
	logger *zap.Logger
}

var _ cacheconn.Client = (*monitorClient)(nil)

func (c *monitorClient) PushAddressUpdate(addrs string) {
	c.logger.Info("queued a cache address update", zap.String("addrs", addrs))
}

func (c *monitorClient) WakeEventLoop() {
	c.logger.Debug("woke the cache client event loop")
}

func (c *monitorClient) Shutdown() {
	c.logger.Info("shut down cache client slot")
}
