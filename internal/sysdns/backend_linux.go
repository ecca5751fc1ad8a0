//go:build linux

package sysdns

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	resolvConfPath     = "/etc/resolv.conf"
	stubResolvConfPath = "/run/systemd/resolve/stub-resolv.conf"
)

func newBackend(exec Executor, fsys FS) backend {
	return &linuxBackend{exec: exec, fs: fsys}
}

type linuxBackendData struct {
	UsedResolved    bool   `json:"used_resolved"`
	OriginalContent string `json:"original_content,omitempty"`
	ProxyPort       int    `json:"proxy_port"`
}

type linuxBackend struct {
	exec Executor
	fs   FS
}

func (b *linuxBackend) configure(proxyPort int) (Backup, error) {
	usesResolved, err := b.usesSystemdResolved()
	if err != nil {
		return Backup{}, err
	}

	var data linuxBackendData
	data.ProxyPort = proxyPort
	if usesResolved {
		data.UsedResolved = true
		if err := b.exec.Run("systemctl", "stop", "systemd-resolved"); err != nil {
			return Backup{}, fmt.Errorf("stopping systemd-resolved: %w", err)
		}
		if err := b.fs.WriteFile(resolvConfPath, []byte("nameserver 127.0.0.1\n"), 0o644); err != nil {
			return Backup{}, fmt.Errorf("writing resolv.conf: %w", err)
		}
	} else {
		original, err := b.fs.ReadFile(resolvConfPath)
		if err != nil {
			return Backup{}, fmt.Errorf("reading resolv.conf: %w", err)
		}
		data.OriginalContent = string(original)
		if err := b.fs.WriteFile(resolvConfPath, []byte("nameserver 127.0.0.1\n"), 0o644); err != nil {
			return Backup{}, fmt.Errorf("writing resolv.conf: %w", err)
		}
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return Backup{}, err
	}
	backup := Backup{Platform: "linux", Data: encoded}

	if err := b.addRedirect("udp", proxyPort); err != nil {
		return backup, fmt.Errorf("adding udp redirect: %w", err)
	}
	if err := b.addRedirect("tcp", proxyPort); err != nil {
		return backup, fmt.Errorf("adding tcp redirect: %w", err)
	}

	return backup, nil
}

func (b *linuxBackend) restore(backup Backup) error {
	if len(backup.Data) == 0 {
		return nil
	}
	var data linuxBackendData
	if err := json.Unmarshal(backup.Data, &data); err != nil {
		return err
	}

	_ = b.removeRedirect("udp", data.ProxyPort)
	_ = b.removeRedirect("tcp", data.ProxyPort)

	if data.UsedResolved {
		if err := b.exec.Run("systemctl", "start", "systemd-resolved"); err != nil {
			return err
		}
		return nil
	}

	return b.fs.WriteFile(resolvConfPath, []byte(data.OriginalContent), 0o644)
}

func (b *linuxBackend) pointsAtLoopback() (bool, error) {
	content, err := b.fs.ReadFile(resolvConfPath)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(content), "127.0.0.1"), nil
}

func (b *linuxBackend) usesSystemdResolved() (bool, error) {
	return b.fs.Stat(stubResolvConfPath)
}

func (b *linuxBackend) addRedirect(proto string, proxyPort int) error {
	return b.exec.Run("iptables", "-t", "nat", "-A", "OUTPUT",
		"-p", proto, "--dport", "53", "-j", "REDIRECT", "--to-port", fmt.Sprint(proxyPort))
}

func (b *linuxBackend) removeRedirect(proto string, proxyPort int) error {
	return b.exec.Run("iptables", "-t", "nat", "-D", "OUTPUT",
		"-p", proto, "--dport", "53", "-j", "REDIRECT", "--to-port", fmt.Sprint(proxyPort))
}
