// Package util provides small network introspection helpers shared by the
// control API and the VPN adapter.
package util

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// InterfaceInfo summarises a network interface and its addresses.
type InterfaceInfo struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
}

// InterfacesWithAddrs returns all interfaces along with their addresses.
func InterfacesWithAddrs() ([]InterfaceInfo, error) {
	list, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	infos := make([]InterfaceInfo, 0, len(list))
	for _, iface := range list {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		addresses := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addresses = append(addresses, addr.String())
		}
		infos = append(infos, InterfaceInfo{Name: iface.Name, Addresses: addresses})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// InterfaceIPv4 returns the first IPv4 address bound to an interface.
func InterfaceIPv4(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ip, _, err := net.ParseCIDR(addr.String())
		if err != nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.New("no IPv4 address found")
}

// InterfaceOperState reports whether an interface is up and its operstate text.
// Returns (false, "missing", nil) when /sys/class/net/<name> does not exist,
// which includes platforms without /sys/class/net (e.g. non-Linux).
func InterfaceOperState(name string) (bool, string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false, "", errors.New("interface not specified")
	}
	base := filepath.Join("/sys/class/net", trimmed)
	if _, err := os.Stat(base); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, "missing", nil
		}
		return false, "error", err
	}
	data, err := os.ReadFile(filepath.Join(base, "operstate"))
	if err != nil {
		return true, "unknown", err
	}
	state := strings.TrimSpace(string(data))
	return interfaceStateConnected(state, true), state, nil
}

func interfaceStateConnected(state string, flagUp bool) bool {
	switch state {
	case "up":
		return true
	case "down":
		return false
	default:
		return flagUp
	}
}
