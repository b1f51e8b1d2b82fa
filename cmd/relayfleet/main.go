// Command relayfleet runs the proxy fleet: it loads the entity documents
// under EnvConfig.ConfigDir, spawns the escaper/resolver/server DAG they
// describe, and serves the admin control surface (§6.4) until a signal or
// a graceful-handover command tells it to stop.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/relayfleet/relayfleet/internal/buildinfo"
	"github.com/relayfleet/relayfleet/internal/config"
	"github.com/relayfleet/relayfleet/internal/controlrpc"
	"github.com/relayfleet/relayfleet/internal/fleetbuild"
	"github.com/relayfleet/relayfleet/internal/fleetid"
	"github.com/relayfleet/relayfleet/internal/reload"
	"github.com/relayfleet/relayfleet/internal/registry"
)

func main() {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("config: %v", err)
	}

	// Phase 1: registries and drivers, one pair per entity kind. Built
	// before anything that references them (escapers reference resolvers,
	// servers reference escapers) so BuildXFactory closures can resolve
	// names at spawn time.
	resolvers := registry.New[fleetbuild.ResolverEntity]()
	escapers := registry.New[fleetbuild.EscaperEntity]()
	servers := registry.New[fleetbuild.ServerEntity]()

	resolverDriver := reload.NewDriver(resolvers, fleetbuild.BuildResolverFactory())
	escaperDriver := reload.NewDriver(escapers, fleetbuild.BuildEscaperFactory(escapers, resolvers))
	serverDriver := reload.NewDriver(servers, fleetbuild.BuildServerFactory(escapers))

	ops := reload.NewOpsLock()
	loader := fleetbuild.DirConfigLoader{Dir: envCfg.ConfigDir}

	// Phase 2: live-server bookkeeping. runCtx/runCancel governs every
	// spawned front's Run loop; serverErrCh surfaces a front's terminal
	// error into the main select the way the teacher's API/forward/reverse
	// servers report into one channel.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	serverErrCh := make(chan error, 1)
	reportServerErr := func(name string, err error) {
		if err == nil {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	var runningMu sync.Mutex
	running := map[fleetid.Name]fleetbuild.ServerEntity{}

	runServer := func(name fleetid.Name, entity fleetbuild.ServerEntity) {
		runningMu.Lock()
		running[name] = entity
		runningMu.Unlock()
		go func() {
			log.Printf("server %s starting", name)
			reportServerErr(string(name), entity.Run(runCtx))
		}()
	}

	backend := fleetbuild.NewControlBackend(
		loader, ops,
		escapers, servers, resolvers,
		escaperDriver, serverDriver, resolverDriver,
		runServer,
	)

	// Phase 3: build the initial fleet from ConfigDir before the admin
	// server starts accepting commands about it.
	if err := backend.ApplyAll(context.Background()); err != nil {
		fatalf("initial fleet build: %v", err)
	}

	// Phase 4: admin control RPC (§6.4).
	adminSrv := &http.Server{
		Addr:    envCfg.AdminListenAddress,
		Handler: controlrpc.NewServer(backend, envCfg.AdminToken, buildinfo.Version).Handler(),
	}
	adminLn, err := net.Listen("tcp", envCfg.AdminListenAddress)
	if err != nil {
		fatalf("admin listen: %v", err)
	}
	go func() {
		log.Printf("admin control server starting on %s", envCfg.AdminListenAddress)
		reportServerErr("admin server", adminSrv.Serve(adminLn))
	}()

	// Phase 5: two-process graceful handover (§4.6). stopAcceptingNewWork
	// sets every live front offline; forceShutdown is invoked once the
	// handover timer expires or the new process confirms, and its actual
	// socket teardown happens in the shutdown sequence below via
	// quitCh, not inside this callback (QuitAction's contract only
	// requires the callback to be non-blocking).
	quitCh := make(chan struct{})
	var quitOnce sync.Once
	quit := reload.NewQuitAction(envCfg.GracefulWait,
		func() {
			_ = backend.SetOffline(context.Background(), true)
		},
		func() {
			quitOnce.Do(func() { close(quitCh) })
		},
	)
	quitCtx, quitCancel := context.WithCancel(context.Background())
	defer quitCancel()
	go quit.Run(quitCtx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)

	var runtimeErr error
loop:
	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				log.Println("received SIGHUP, reloading topology from ConfigDir")
				if err := backend.ApplyAll(context.Background()); err != nil {
					log.Printf("reload error: %v", err)
				}
				continue
			}
			log.Printf("received signal %s, shutting down...", s)
			quit.StartGracefulShutdown()
			<-quitCh
			break loop
		case err := <-serverErrCh:
			runtimeErr = err
			log.Printf("received server runtime error (%v), shutting down...", err)
			break loop
		case <-quitCh:
			log.Println("graceful handover triggered shutdown")
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), envCfg.GracefulWait)
	defer cancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin server shutdown error: %v", err)
	}
	log.Println("admin server stopped")

	runCancel()

	runningMu.Lock()
	for name, entity := range running {
		if err := entity.Close(); err != nil {
			log.Printf("server %s close error: %v", name, err)
		}
	}
	runningMu.Unlock()
	log.Println("servers stopped")

	escaperDriver.ForceQuitAll()
	resolverDriver.ForceQuitAll()
	log.Println("escapers and resolvers stopped")

	if runtimeErr != nil {
		fatalf("runtime server error: %v", runtimeErr)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
