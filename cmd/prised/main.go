// prised is the background daemon that owns every terminal session:
// the reactor event loop, the frame scheduler, the process supervisor,
// and the unix-socket IPC server. It is normally started automatically
// by prise; you do not need to run it by hand.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rockorager/prise/internal/config"
	"github.com/rockorager/prise/internal/frame"
	"github.com/rockorager/prise/internal/ipc"
	"github.com/rockorager/prise/internal/reactor"
	"github.com/rockorager/prise/internal/session"
	"github.com/rockorager/prise/internal/store"
)

func main() {
	// Log to <user-cache-dir>/prise/server.log, appending across restarts;
	// if that file cannot be opened, logging stays on stderr.
	if cacheDir, err := os.UserCacheDir(); err == nil {
		logDir := filepath.Join(cacheDir, "prise")
		if err := os.MkdirAll(logDir, 0o700); err == nil {
			if f, err := os.OpenFile(filepath.Join(logDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
				log.SetOutput(f)
			}
		}
	}

	cfg, err := config.Load(flag.NewFlagSet("prised", flag.ExitOnError))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	r, err := reactor.New()
	if err != nil {
		log.Fatalf("reactor init: %v", err)
	}

	st, err := store.New(filepath.Join(cfg.StateDir, "sessions"))
	if err != nil {
		log.Fatalf("store init: %v", err)
	}

	// srv is wired into the scheduler's render callback by reference: the
	// scheduler is built before the server exists (the server needs a
	// Manager, which needs the scheduler), so OnRender is looked up at
	// call time rather than bound eagerly.
	var srv *ipc.Server
	sched := frame.New(r, cfg.FrameInterval, func(id frame.PTYID) {
		if srv != nil {
			srv.OnRender(id)
		}
	})

	mgr := session.New(r, sched, st, cfg.ScrollbackLines)

	srv, err = ipc.Listen(cfg, mgr)
	if err != nil {
		log.Fatalf("ipc listen: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		srv.Close()
		os.Exit(0)
	}()

	go func() {
		if err := r.Run(reactor.Forever); err != nil {
			log.Fatalf("reactor run: %v", err)
		}
	}()

	log.Printf("prised listening on %s", cfg.SocketPath(os.Getuid()))
	if err := srv.Serve(); err != nil {
		log.Fatalf("ipc serve: %v", err)
	}
}
