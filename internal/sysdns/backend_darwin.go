//go:build darwin

package sysdns

import (
	"encoding/json"
	"fmt"
	"strings"
)

const pfAnchorName = "splitrouted"

func newBackend(exec Executor, fsys FS) backend {
	return &darwinBackend{exec: exec, fs: fsys}
}

type darwinBackendData struct {
	Service    string   `json:"service"`
	DNSServers []string `json:"dns_servers"`
}

type darwinBackend struct {
	exec Executor
	fs   FS
}

func (b *darwinBackend) configure(proxyPort int) (Backup, error) {
	service, err := b.primaryNetworkService()
	if err != nil {
		return Backup{}, err
	}

	servers, err := b.currentDNSServers(service)
	if err != nil {
		return Backup{}, err
	}

	data, err := json.Marshal(darwinBackendData{Service: service, DNSServers: servers})
	if err != nil {
		return Backup{}, err
	}
	backup := Backup{Platform: "darwin", Data: data}

	if err := b.exec.Run("networksetup", "-setdnsservers", service, "127.0.0.1"); err != nil {
		return backup, fmt.Errorf("setting resolver to loopback: %w", err)
	}

	rules := pfRedirectRules(proxyPort)
	if err := b.fs.WriteFile(pfAnchorPath(), []byte(rules), 0o644); err != nil {
		return backup, fmt.Errorf("writing pf anchor file: %w", err)
	}
	if err := b.exec.Run("pfctl", "-a", pfAnchorName, "-f", pfAnchorPath()); err != nil {
		return backup, fmt.Errorf("loading pf anchor: %w", err)
	}
	if err := b.exec.Run("pfctl", "-e"); err != nil {
		// pfctl -e fails with "already enabled" if pf was already running;
		// the anchor load above is what actually matters.
	}

	if err := b.flushCache(); err != nil {
		return backup, fmt.Errorf("flushing dns cache: %w", err)
	}

	return backup, nil
}

func (b *darwinBackend) restore(backup Backup) error {
	if len(backup.Data) == 0 {
		return nil
	}
	var data darwinBackendData
	if err := json.Unmarshal(backup.Data, &data); err != nil {
		return err
	}
	if data.Service == "" {
		return nil
	}

	_ = b.exec.Run("pfctl", "-a", pfAnchorName, "-F", "all")

	if len(data.DNSServers) > 0 {
		args := append([]string{"-setdnsservers", data.Service}, data.DNSServers...)
		if err := b.exec.Run("networksetup", args...); err != nil {
			return err
		}
	} else {
		if err := b.exec.Run("networksetup", "-setdnsservers", data.Service, "empty"); err != nil {
			return err
		}
	}

	return b.flushCache()
}

func (b *darwinBackend) pointsAtLoopback() (bool, error) {
	service, err := b.primaryNetworkService()
	if err != nil {
		return false, err
	}
	servers, err := b.currentDNSServers(service)
	if err != nil {
		return false, err
	}
	for _, s := range servers {
		if s == "127.0.0.1" {
			return true, nil
		}
	}
	return false, nil
}

func (b *darwinBackend) primaryNetworkService() (string, error) {
	out, err := b.exec.Output("networksetup", "-listallnetworkservices")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "An asterisk") || strings.HasPrefix(line, "*") {
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("no active network service found")
}

func (b *darwinBackend) currentDNSServers(service string) ([]string, error) {
	out, err := b.exec.Output("networksetup", "-getdnsservers", service)
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if strings.Contains(out, "There aren't any DNS Servers") {
		return nil, nil
	}
	var servers []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			servers = append(servers, line)
		}
	}
	return servers, nil
}

func (b *darwinBackend) flushCache() error {
	if err := b.exec.Run("dscacheutil", "-flushcache"); err != nil {
		return err
	}
	return b.exec.Run("killall", "-HUP", "mDNSResponder")
}

func pfAnchorPath() string {
	return "/etc/pf.anchors/" + pfAnchorName
}

func pfRedirectRules(proxyPort int) string {
	return fmt.Sprintf(
		"rdr pass on lo0 inet proto udp from any to 127.0.0.1 port 53 -> 127.0.0.1 port %d\n"+
			"rdr pass on lo0 inet proto tcp from any to 127.0.0.1 port 53 -> 127.0.0.1 port %d\n",
		proxyPort, proxyPort,
	)
}
