// Command tzgw-server runs the gateway's embedded-mode HTTP surface:
// inference routing, feedback, dataset/evaluation passthroughs, and status,
// per spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"goa.design/clue/log"

	"goa.design/tzgw/analytics"
	"goa.design/tzgw/auth"
	"goa.design/tzgw/client"
)

// gatewayVersion is stamped on every HTTP response via
// client.HeaderGatewayVersion so remote-mode callers can negotiate
// version-gated wire behavior (version.NeedsToolCallStringification).
const gatewayVersion = "2026.07.1"

func main() {
	var (
		hostF   = flag.String("host", "localhost", "Server host")
		portF   = flag.String("http-port", "", "HTTP port (overrides TZGW_LISTEN_ADDR)")
		secureF = flag.Bool("secure", false, "Report the listener as https in the startup log (the server serves plain HTTP)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	providers, err := registerProviders(ctx)
	if err != nil {
		log.Fatalf(ctx, err, "failed to register providers")
	}
	log.Print(ctx, log.KV{K: "providers", V: len(providers)})

	cfg, err := loadConfig(providers)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load configuration")
	}

	store, err := analytics.Open(cfg.analyticsDSN)
	if err != nil {
		log.Fatalf(ctx, err, "failed to open analytics store at %q", cfg.analyticsDSN)
	}
	defer store.Close()
	cfg.state.Analytics = store
	cfg.state.Auth = auth.New(store)

	d := client.NewEmbedded(cfg.state)

	addr := cfg.listenAddr
	if *portF != "" {
		h, _, err := net.SplitHostPort(addr)
		if err != nil {
			h = *hostF
		}
		addr = net.JoinHostPort(h, *portF)
	}
	if u, err := url.Parse("http://" + addr); err == nil {
		log.Print(ctx, log.KV{K: "listen-addr", V: u.Host}, log.KV{K: "secure", V: *secureF})
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, addr, d, cfg.adminToken, &wg, errc, *dbgF)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}
