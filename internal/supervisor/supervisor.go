// Package supervisor wires the config, sockets, descriptor fetch,
// Announcer, Discovery Responder and optional Proxy together and runs
// them under a single cancellation signal.
//
// The three long-running tasks are supervised with golang.org/x/sync/
// errgroup, the "N independent goroutines, first error cancels a shared
// context" shape used throughout rclone-rclone (e.g. backend/s3/s3.go,
// backend/combine/combine.go) for exactly this kind of fan-out.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenio/dlna-proxy/internal/announce"
	"github.com/fenio/dlna-proxy/internal/config"
	"github.com/fenio/dlna-proxy/internal/proxy"
	"github.com/fenio/dlna-proxy/internal/sockets"
)

// Run builds every socket and task from cfg and blocks until ctx is
// canceled (e.g. by a signal handler installed by the caller) or a fatal
// error occurs. bootID is assigned once by the caller, typically derived
// from the process start time.
func Run(ctx context.Context, cfg *config.Config, bootID int, log *zap.SugaredLogger) error {
	listenSock, ifaceIP, err := sockets.BuildSSDPListener(cfg.Iface)
	if err != nil {
		return err
	}
	defer listenSock.Close()

	broadcastSock, err := sockets.BuildSSDPBroadcaster(cfg.Iface)
	if err != nil {
		return err
	}
	defer broadcastSock.Close()

	log.Infof("bound SSDP sockets on interface %q (%s)", cfg.Iface, ifaceIP)

	shared := &announce.Shared{}

	announcer := announce.NewAnnouncer(announce.Config{
		DescriptionURL: cfg.DescriptionURL,
		Interval:       cfg.Interval,
		ConnectTimeout: cfg.ConnectTimeout,
		Wait:           cfg.Wait,
		WaitSeconds:    time.Duration(cfg.WaitSeconds) * time.Second,
		BootID:         bootID,
	}, shared, broadcastSock.UDPConn, log)

	if err := announcer.InitialFetch(ctx); err != nil {
		return err
	}

	responder := announce.NewResponder(shared, listenSock.UDPConn, broadcastSock.UDPConn, log)

	var proxyTask *proxy.Proxy
	if cfg.ProxyAddr != "" {
		p := shared.Load()
		proxyLn, err := sockets.BuildProxyListener(cfg.ProxyAddr)
		if err != nil {
			return err
		}
		defer proxyLn.Close()

		proxyTask = proxy.New(proxy.Config{
			OriginAddr:    fmt.Sprintf("%s:%s", p.OriginHost, p.OriginPort),
			FromToken:     fmt.Sprintf("%s:%s", p.OriginHost, p.OriginPort),
			ToToken:       cfg.ProxyAddr,
			DialTimeout:   cfg.ProxyTimeout,
			StreamTimeout: cfg.StreamTimeout,
		}, proxyLn, log)

		log.Infof("proxy listening on %s, rewriting %s:%s -> %s", cfg.ProxyAddr, p.OriginHost, p.OriginPort, cfg.ProxyAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return announcer.Run(gctx) })
	g.Go(func() error { return responder.Run(gctx) })
	if proxyTask != nil {
		g.Go(func() error { return proxyTask.Run(gctx) })
	}

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
