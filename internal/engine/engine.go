// Package engine composes the domain matcher, conflict detector, route
// manager, DNS proxy, SNI proxy, system DNS adapter, and VPN adapter into
// one orchestrated split-tunneling runtime.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"splitrouted/internal/activitylog"
	"splitrouted/internal/conflict"
	"splitrouted/internal/diag"
	"splitrouted/internal/dnsproxy"
	"splitrouted/internal/matcher"
	"splitrouted/internal/routemgr"
	"splitrouted/internal/sniproxy"
	"splitrouted/internal/statestore"
	"splitrouted/internal/sysdns"
	"splitrouted/internal/vpnctl"
)

// Event is implemented by every event type the engine's subsystems emit.
// It lets callers (the control API's SSE stream, the activity log) handle
// a single unified feed instead of the three independently-shaped channels
// of the conflict detector, route manager, and DNS proxy.
type Event interface {
	Source() string
}

// Envelope wraps a subsystem event with its originating component name.
type Envelope struct {
	Component string
	Payload   any
}

func (e Envelope) Source() string { return e.Component }

// State describes the engine's run state, mirroring dnsproxy's.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Engine owns and orchestrates every component.
type Engine struct {
	store *statestore.Manager
	log   *activitylog.Store
	diag  *diag.Manager

	matcher   *matcher.Matcher
	conflicts *conflict.Detector
	vpn       *vpnctl.Adapter
	routes    *routemgr.Manager
	dns       *dnsproxy.Server
	sni       *sniproxy.Server
	resolver  *sysdns.Adapter

	mu    sync.Mutex
	state State

	events   chan Event
	stopFan  chan struct{}
	fanGroup sync.WaitGroup
}

// Config carries the settings needed to wire components together at Start.
type Config struct {
	DNSListenAddr    string
	SOCKSListenAddr  string
	Upstream         dnsproxy.Upstream
	VPNInterface     string
	VPNPeerPublicKey string
}

// New assembles an Engine from its storage and adapter dependencies.
func New(store *statestore.Manager, log *activitylog.Store) *Engine {
	m := matcher.New()
	c := conflict.New()
	vpn := vpnctl.New()
	return &Engine{
		store:     store,
		log:       log,
		matcher:   m,
		conflicts: c,
		vpn:       vpn,
		resolver:  sysdns.New(),
		events:    make(chan Event, 256),
	}
}

// SetDiag attaches a diagnostics logger. Optional; nil is a no-op sink.
func (e *Engine) SetDiag(d *diag.Manager) {
	e.diag = d
}

// Rules returns the currently loaded set of classification rules.
func (e *Engine) Rules() []matcher.Rule {
	return e.matcher.GetRules()
}

// SetRules validates and installs a new rule set, persisting it.
func (e *Engine) SetRules(rules []matcher.Rule) error {
	if err := e.matcher.Load(rules); err != nil {
		return err
	}
	s, err := e.store.Get()
	if err != nil {
		return err
	}
	s.Rules = toStoredRules(rules)
	return e.store.Save(s)
}

// Events returns the merged event feed. Callers should not block for long
// on received values; the channel is buffered but can still fill.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start sequences F.configure -> capture allowed-ips -> D.start -> C.start
// -> E.start, rolling back and restoring the resolver on any failure.
func (e *Engine) Start(cfg Config) error {
	e.mu.Lock()
	if e.state != StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.state = StateStarting
	e.mu.Unlock()

	s, err := e.store.Get()
	if err != nil {
		return e.failStart(err)
	}
	if err := e.matcher.Load(fromStoredRules(s.Rules)); err != nil {
		return e.failStart(err)
	}

	if err := e.vpn.SetConfig(cfg.VPNInterface, cfg.VPNPeerPublicKey); err != nil {
		return e.failStart(err)
	}

	if stale, err := e.resolver.CheckForStaleConfig(); err == nil && stale && len(s.DNSBackup) > 0 {
		_ = e.resolver.Restore(sysdns.Backup{Data: s.DNSBackup})
	}

	backup, err := e.resolver.Configure(s.ProxyPort)
	if err != nil {
		return e.failStart(err)
	}
	s.DNSBackup = backup.Data
	_ = e.store.Save(s)

	original, err := e.vpn.GetAllowedIps()
	if err != nil {
		_ = e.resolver.Restore(backup)
		return e.failStart(err)
	}

	e.stopFan = make(chan struct{})
	conflictEvents := make(chan conflict.Event, 64)
	routeEvents := make(chan routemgr.Event, 64)
	dnsEvents := make(chan dnsproxy.Event, 64)

	e.conflicts = conflict.New(conflict.WithEvents(conflictEvents))
	e.routes = routemgr.New(e.vpn, e.conflicts, routemgr.WithEvents(routeEvents))
	if err := e.routes.Start(original); err != nil {
		_ = e.resolver.Restore(backup)
		return e.failStart(err)
	}

	e.dns = dnsproxy.New(cfg.DNSListenAddr, cfg.Upstream, dnsClassifier{e.matcher}, e.conflicts, e.routes, dnsproxy.WithEvents(dnsEvents))
	if err := e.dns.Start(); err != nil {
		_ = e.routes.Stop()
		_ = e.resolver.Restore(backup)
		return e.failStart(err)
	}

	e.sni = sniproxy.New(cfg.SOCKSListenAddr, sniClassifier{e.matcher})
	if err := e.sni.Start(); err != nil {
		_ = e.dns.Stop()
		_ = e.routes.Stop()
		_ = e.resolver.Restore(backup)
		return e.failStart(err)
	}

	e.startFanIn(conflictEvents, routeEvents, dnsEvents)

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()
	if e.diag != nil {
		e.diag.Infof("engine", "started: dns=%s socks=%s", cfg.DNSListenAddr, cfg.SOCKSListenAddr)
	}
	return nil
}

func (e *Engine) failStart(err error) error {
	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	if e.diag != nil {
		e.diag.Errorf("engine", "start failed: %v", err)
	}
	return err
}

// Stop reverses Start: E.stop -> C.stop -> D.stop -> F.restore, persisting
// the last-active timestamp regardless of per-step failures.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine: not running")
	}
	e.state = StateStopping
	e.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.sni != nil {
		record(e.sni.Stop())
	}
	if e.dns != nil {
		record(e.dns.Stop())
	}
	if e.routes != nil {
		record(e.routes.Stop())
	}

	if e.stopFan != nil {
		close(e.stopFan)
		e.fanGroup.Wait()
	}

	s, err := e.store.Get()
	if err == nil {
		if len(s.DNSBackup) > 0 {
			record(e.resolver.Restore(sysdns.Backup{Data: s.DNSBackup}))
		}
		s.LastActiveUnix = nowUnix()
		_ = e.store.Save(s)
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	if e.diag != nil {
		if firstErr != nil {
			e.diag.Errorf("engine", "stopped with error: %v", firstErr)
		} else {
			e.diag.Infof("engine", "stopped")
		}
	}
	return firstErr
}

func (e *Engine) startFanIn(conflictEvents <-chan conflict.Event, routeEvents <-chan routemgr.Event, dnsEvents <-chan dnsproxy.Event) {
	e.fanGroup.Add(1)
	go func() {
		defer e.fanGroup.Done()
		for {
			select {
			case <-e.stopFan:
				return
			case ev, ok := <-conflictEvents:
				if !ok {
					continue
				}
				e.publish("conflict", ev)
			case ev, ok := <-routeEvents:
				if !ok {
					continue
				}
				e.publish("routemgr", ev)
			case ev, ok := <-dnsEvents:
				if !ok {
					continue
				}
				e.publish("dnsproxy", ev)
			}
		}
	}()
}

func (e *Engine) publish(component string, payload any) {
	env := Envelope{Component: component, Payload: payload}
	select {
	case e.events <- env:
	default:
	}
	if e.log != nil {
		_ = e.log.Record(context.Background(), component, component, payload)
	}
	if e.diag != nil {
		e.diag.Debugf(component, "%+v", payload)
	}
}

// sniClassifier adapts matcher.Matcher to sniproxy.Classifier.
type sniClassifier struct {
	m *matcher.Matcher
}

func (c sniClassifier) Match(name string) sniproxy.MatchResult {
	r := c.m.Match(name)
	return sniproxy.MatchResult{Matched: r.Matched, Tunnel: r.Tunnel}
}

// dnsClassifier adapts matcher.Matcher to dnsproxy.Classifier.
type dnsClassifier struct {
	m *matcher.Matcher
}

func (c dnsClassifier) Match(name string) dnsproxy.MatchResult {
	r := c.m.Match(name)
	return dnsproxy.MatchResult{Matched: r.Matched, Tunnel: r.Tunnel, MatchedRule: r.MatchedRule}
}

func toStoredRules(rules []matcher.Rule) []statestore.Rule {
	out := make([]statestore.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, statestore.Rule{Pattern: r.Pattern, Tunnel: r.Tunnel})
	}
	return out
}

func fromStoredRules(rules []statestore.Rule) []matcher.Rule {
	out := make([]matcher.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, matcher.Rule{Pattern: r.Pattern, Tunnel: r.Tunnel})
	}
	return out
}

func nowUnix() int64 { return time.Now().UTC().Unix() }
