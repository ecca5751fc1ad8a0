// Package vpnctl is a narrow wrapper over the "wg" command-line tool. It
// does not manage tunnel lifecycle, keys, or handshakes — only interface
// listing and allowed-ips mutation on an already-configured peer.
package vpnctl

import (
	"bufio"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"splitrouted/internal/util"
)

// tunnelInterfacePrefixes names OS-level interface prefixes associated with
// tunnel devices, used by the third DetectTunnels probe. Not exhaustive;
// covers WireGuard, generic Linux/BSD tun/tap, and common third-party
// tunnel naming conventions.
var tunnelInterfacePrefixes = []string{"wg", "tun", "tap", "utun", "ppp", "ipsec", "zt"}

// ErrAdapter indicates the "wg" tool or an OS helper failed.
var ErrAdapter = fmt.Errorf("vpnctl: adapter error")

// ErrNotConfigured indicates SetConfig has not been called yet.
var ErrNotConfigured = fmt.Errorf("vpnctl: interface/peer not configured")

const sentinelAllowedIP = "0.0.0.0/32"

// Executor abstracts command execution so tests can substitute a fake.
type Executor interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// PrivilegedRunner retries a command with elevation. Attempts are always
// made unprivileged first; this is invoked after any failure of the
// unprivileged attempt, whether or not that failure was a permission error.
type PrivilegedRunner interface {
	Run(name string, args ...string) error
}

type osExec struct{}

func (osExec) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

func (osExec) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Peer is one WireGuard peer entry as reported by "wg show all dump".
type Peer struct {
	PublicKey       string
	Endpoint        string
	AllowedIPs      []string
	LatestHandshake time.Time
	RxBytes         int64
	TxBytes         int64
}

// Interface is one WireGuard device entry.
type Interface struct {
	Name       string
	PublicKey  string
	ListenPort int
	Peers      []Peer
}

// TunnelStatus summarises the advisory tunnel-detection probe.
type TunnelStatus string

const (
	StatusNativeAvailable  TunnelStatus = "native_available"
	StatusThirdPartyFound  TunnelStatus = "third_party_detected"
	StatusNoTunnel         TunnelStatus = "no_tunnel"
	StatusUnknown          TunnelStatus = "unknown"
)

// Adapter is the VPN control surface used by the route manager.
type Adapter struct {
	exec       Executor
	privileged PrivilegedRunner

	mu      sync.Mutex
	iface   string
	peerPub string
}

// New creates an Adapter that shells out to the real "wg" binary.
func New() *Adapter {
	return &Adapter{exec: osExec{}}
}

// NewWithExecutor creates an Adapter with an injected Executor (tests).
func NewWithExecutor(e Executor) *Adapter {
	return &Adapter{exec: e}
}

// SetPrivilegedRunner installs the elevation fallback capability.
func (a *Adapter) SetPrivilegedRunner(r PrivilegedRunner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.privileged = r
}

// SetConfig binds the adapter to a specific interface and peer.
func (a *Adapter) SetConfig(interfaceName, peerPublicKey string) error {
	if strings.TrimSpace(interfaceName) == "" || strings.TrimSpace(peerPublicKey) == "" {
		return fmt.Errorf("vpnctl: interface name and peer public key are required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.iface = interfaceName
	a.peerPub = peerPublicKey
	return nil
}

func (a *Adapter) configuredTarget() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.iface == "" || a.peerPub == "" {
		return "", "", ErrNotConfigured
	}
	return a.iface, a.peerPub, nil
}

// IsAvailable probes for the "wg" binary on PATH.
func (a *Adapter) IsAvailable() bool {
	_, err := exec.LookPath("wg")
	return err == nil
}

// IsActive reports whether the configured interface currently exists.
func (a *Adapter) IsActive() bool {
	iface, _, err := a.configuredTarget()
	if err != nil {
		return false
	}
	found, err := a.GetInterface(iface)
	return err == nil && found != nil
}

// ListInterfaces runs "wg show all dump" and parses every interface/peer.
func (a *Adapter) ListInterfaces() ([]Interface, error) {
	out, err := a.exec.Output("wg", "show", "all", "dump")
	if err != nil {
		return nil, fmt.Errorf("%w: wg show all dump: %v", ErrAdapter, err)
	}
	return parseDump(out)
}

// GetInterface returns the named interface, or nil if it does not exist.
func (a *Adapter) GetInterface(name string) (*Interface, error) {
	ifaces, err := a.ListInterfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		if ifaces[i].Name == name {
			return &ifaces[i], nil
		}
	}
	return nil, nil
}

// GetAllowedIps returns the configured peer's current allowed-ips.
func (a *Adapter) GetAllowedIps() ([]string, error) {
	iface, peerPub, err := a.configuredTarget()
	if err != nil {
		return nil, err
	}
	found, err := a.GetInterface(iface)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: interface %q not found", ErrAdapter, iface)
	}
	for _, p := range found.Peers {
		if p.PublicKey == peerPub {
			return p.AllowedIPs, nil
		}
	}
	return nil, fmt.Errorf("%w: peer %q not found on %q", ErrAdapter, peerPub, iface)
}

// AddAllowedIps ensures every ip in ips is present in the peer's allowed-ips.
// Adding an ip already present is a no-op.
func (a *Adapter) AddAllowedIps(ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	current, err := a.GetAllowedIps()
	if err != nil {
		return err
	}
	set := toSet(current)
	changed := false
	for _, ip := range ips {
		if _, ok := set[ip]; !ok {
			set[ip] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return a.applyAllowedIps(set)
}

// RemoveAllowedIps ensures every ip in ips is absent from the peer's
// allowed-ips. Removing an absent ip is a no-op.
func (a *Adapter) RemoveAllowedIps(ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	current, err := a.GetAllowedIps()
	if err != nil {
		return err
	}
	set := toSet(current)
	changed := false
	for _, ip := range ips {
		if _, ok := set[ip]; ok {
			delete(set, ip)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return a.applyAllowedIps(set)
}

func (a *Adapter) applyAllowedIps(set map[string]struct{}) error {
	iface, peerPub, err := a.configuredTarget()
	if err != nil {
		return err
	}
	csv := setToCSV(set)
	return a.runElevated("wg", "set", iface, "peer", peerPub, "allowed-ips", csv)
}

// runElevated attempts the command unprivileged first, then retries via the
// injected PrivilegedRunner on failure. No implicit escalation occurs if no
// runner was configured.
func (a *Adapter) runElevated(name string, args ...string) error {
	if err := a.exec.Run(name, args...); err != nil {
		a.mu.Lock()
		runner := a.privileged
		a.mu.Unlock()
		if runner == nil {
			return fmt.Errorf("%w: %s %s: %v", ErrAdapter, name, strings.Join(args, " "), err)
		}
		if runErr := runner.Run(name, args...); runErr != nil {
			return fmt.Errorf("%w: %s %s (privileged): %v", ErrAdapter, name, strings.Join(args, " "), runErr)
		}
	}
	return nil
}

// DetectTunnels runs the three advisory probes described in §4.G in
// parallel: (a) native interfaces via the tool dump, (b) third-party VPN
// clients whose own CLIs are present on PATH, and (c) OS tunnel interface
// names. It never returns an error: a probe that cannot determine anything
// contributes to StatusUnknown rather than failing the whole detection.
func (a *Adapter) DetectTunnels(thirdPartyBinaries []string) TunnelStatus {
	type probeResult struct {
		native          bool
		thirdParty      bool
		tunnelInterface bool
		ifaceProbeErr   bool
	}

	results := make(chan probeResult, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ifaces, err := a.ListInterfaces()
		results <- probeResult{native: err == nil && len(ifaces) > 0}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, bin := range thirdPartyBinaries {
			if _, err := exec.LookPath(bin); err == nil {
				results <- probeResult{thirdParty: true}
				return
			}
		}
		results <- probeResult{}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		infos, err := util.InterfacesWithAddrs()
		if err != nil {
			results <- probeResult{ifaceProbeErr: true}
			return
		}
		for _, info := range infos {
			if hasTunnelPrefix(info.Name) {
				results <- probeResult{tunnelInterface: true}
				return
			}
		}
		results <- probeResult{}
	}()

	wg.Wait()
	close(results)

	var native, thirdParty, tunnelInterface, ifaceProbeErr bool
	for r := range results {
		native = native || r.native
		thirdParty = thirdParty || r.thirdParty
		tunnelInterface = tunnelInterface || r.tunnelInterface
		ifaceProbeErr = ifaceProbeErr || r.ifaceProbeErr
	}

	switch {
	case native:
		return StatusNativeAvailable
	case thirdParty || tunnelInterface:
		return StatusThirdPartyFound
	case ifaceProbeErr:
		return StatusUnknown
	default:
		return StatusNoTunnel
	}
}

func hasTunnelPrefix(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range tunnelInterfacePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// setToCSV renders set as a sorted CSV, substituting the sentinel address
// when the set would otherwise be empty: the "wg" tool requires at least
// one allowed-ips entry.
func setToCSV(set map[string]struct{}) string {
	if len(set) == 0 {
		return sentinelAllowedIP
	}
	items := make([]string, 0, len(set))
	for ip := range set {
		if ip == sentinelAllowedIP {
			continue
		}
		items = append(items, ip)
	}
	if len(items) == 0 {
		return sentinelAllowedIP
	}
	sort.Strings(items)
	return strings.Join(items, ",")
}

// parseDump parses the tab-separated output of "wg show all dump". Interface
// lines have 5 fields (iface, private-key, public-key, listen-port, fwmark);
// peer lines have 9 (iface, public-key, preshared-key, endpoint, allowed-ips,
// latest-handshake, rx, tx, persistent-keepalive).
func parseDump(out []byte) ([]Interface, error) {
	byName := map[string]*Interface{}
	var order []string

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		name := fields[0]

		iface, ok := byName[name]
		if !ok {
			iface = &Interface{Name: name}
			byName[name] = iface
			order = append(order, name)
		}

		switch len(fields) {
		case 5:
			iface.PublicKey = fields[2]
			if port, err := strconv.Atoi(fields[3]); err == nil {
				iface.ListenPort = port
			}
		case 9:
			peer := Peer{
				PublicKey:  fields[1],
				Endpoint:   fields[3],
				AllowedIPs: splitNonEmpty(fields[4], ","),
			}
			if hs, err := strconv.ParseInt(fields[5], 10, 64); err == nil && hs > 0 {
				peer.LatestHandshake = time.Unix(hs, 0)
			}
			if rx, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
				peer.RxBytes = rx
			}
			if tx, err := strconv.ParseInt(fields[7], 10, 64); err == nil {
				peer.TxBytes = tx
			}
			iface.Peers = append(iface.Peers, peer)
		default:
			return nil, fmt.Errorf("%w: unexpected dump line with %d fields", ErrAdapter, len(fields))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapter, err)
	}

	out2 := make([]Interface, 0, len(order))
	for _, name := range order {
		out2 = append(out2, *byName[name])
	}
	return out2, nil
}

func splitNonEmpty(s, sep string) []string {
	if strings.TrimSpace(s) == "" || s == "(none)" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
