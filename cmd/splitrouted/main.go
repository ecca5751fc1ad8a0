package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"splitrouted/internal/activitylog"
	"splitrouted/internal/controlapi"
	"splitrouted/internal/controlauth"
	"splitrouted/internal/diag"
	"splitrouted/internal/dnsproxy"
	"splitrouted/internal/engine"
	"splitrouted/internal/statestore"
	"splitrouted/internal/version"
)

func main() {
	addr := flag.String("addr", ":8091", "control API listen address")
	dataDir := flag.String("data-dir", "/var/lib/splitrouted", "directory for persisted state and activity log")
	dnsAddr := flag.String("dns-addr", "127.0.0.1:5353", "DNS proxy listen address")
	socksAddr := flag.String("socks-addr", "127.0.0.1:1080", "SNI proxy SOCKS5 listen address")
	vpnInterface := flag.String("vpn-interface", "", "WireGuard interface name")
	vpnPeer := flag.String("vpn-peer", "", "WireGuard peer public key to manage")
	autostart := flag.Bool("autostart", false, "start the routing engine immediately")
	diagLevel := flag.String("diag-level", "info", "diagnostics log level: debug, info, warn, error")
	diagEnabled := flag.Bool("diag", true, "write a diagnostics log alongside state")
	diagMaxBytes := flag.Int64("diag-max-bytes", 4<<20, "rotate the diagnostics log past this size in bytes (0 disables rotation)")
	flag.Parse()

	log.Printf("%s", version.Current().String())

	store := statestore.NewManager(filepath.Join(*dataDir, "state.json"))
	logStore, err := activitylog.Open(filepath.Join(*dataDir, "activity.db"))
	if err != nil {
		log.Fatalf("failed to open activity log: %v", err)
	}
	defer logStore.Close()

	authManager := controlauth.NewManager(store)
	if err := authManager.EnsureDefaults(); err != nil {
		log.Fatalf("failed to initialise auth: %v", err)
	}

	s, err := store.Get()
	if err != nil {
		log.Fatalf("failed to load state: %v", err)
	}

	cfg := engine.Config{
		DNSListenAddr:   *dnsAddr,
		SOCKSListenAddr: *socksAddr,
		Upstream: dnsproxy.Upstream{
			Tunnel: endpointAddr(s.TunnelUpstream.Host, s.TunnelUpstream.Port),
			Direct: endpointAddr(s.DirectUpstream.Host, s.DirectUpstream.Port),
		},
		VPNInterface:     firstNonEmpty(*vpnInterface, s.VPNInterfaceName),
		VPNPeerPublicKey: firstNonEmpty(*vpnPeer, s.VPNPeerPublicKey),
	}

	diagLogger := diag.New(filepath.Join(*dataDir, "diag.log"))
	diagLogger.SetMaxBytes(*diagMaxBytes)
	if err := diagLogger.Configure(*diagEnabled, *diagLevel); err != nil {
		log.Printf("failed to configure diagnostics log: %v", err)
	}
	defer diagLogger.Close()

	eng := engine.New(store, logStore)
	eng.SetDiag(diagLogger)
	if *autostart {
		if err := eng.Start(cfg); err != nil {
			log.Printf("autostart failed: %v", err)
		}
	}

	api := controlapi.New(eng, authManager, cfg)

	stop := make(chan struct{})
	go api.StartEventPump(stop)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("splitrouted control API listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}

	if err := eng.Stop(); err != nil {
		log.Printf("engine shutdown error: %v", err)
	}
}

func endpointAddr(host string, port int) string {
	if host == "" {
		return ""
	}
	return host + ":" + strconv.Itoa(port)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
