// Command dlna-proxy makes a remote DLNA/UPnP media server appear local
// over SSDP, optionally proxying HTTP traffic to it with embedded origin
// URLs rewritten to point back at this host.
//
// Signal handling follows 3mrgnc3-goSSDPkit's cmd/goSSDPkit/main.go:
// os.Interrupt plus SIGTERM cancel a context that every task watches.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fenio/dlna-proxy/internal/apperr"
	"github.com/fenio/dlna-proxy/internal/config"
	"github.com/fenio/dlna-proxy/internal/logging"
	"github.com/fenio/dlna-proxy/internal/supervisor"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, apperr.ErrVersionRequested) {
			fmt.Println("dlna-proxy " + version)
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := logging.New(cfg.Verbosity)
	defer log.Sync()

	// instanceID correlates one process's worth of log lines across
	// restarts; it has no role in the SSDP/UPnP wire protocol itself
	// (that's BootID, carried in DeviceProfile).
	instanceID := uuid.New().String()
	log = log.With("instance_id", instanceID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bootID := int(time.Now().Unix())

	runErr := supervisor.Run(ctx, cfg, bootID, log)

	// A canceled ctx here means the interrupt/SIGTERM handler fired;
	// supervisor.Run then returns nil (or ctx's own error if the signal
	// came during the initial fetch), so the interrupt exit code has to
	// be read off the context itself.
	if ctx.Err() != nil {
		return 130
	}

	switch {
	case runErr == nil:
		return 0
	default:
		var startupErr *apperr.SocketSetupError
		var remoteErr *apperr.RemoteUnreachable
		var malformedErr *apperr.Malformed
		if errors.As(runErr, &startupErr) || errors.As(runErr, &remoteErr) || errors.As(runErr, &malformedErr) {
			log.Errorf("startup failed: %v", runErr)
			return 1
		}
		log.Errorf("fatal: %v", runErr)
		return 2
	}
}
