package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	ServiceType   = "_collabtext._tcp"
	ServiceDomain = "local."
)

var ErrNoServer = errors.New("no collabtext server found")

// Discover browses mDNS for a collabtext server and returns the http base
// url of the first one that answers before ctx is done.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNoServer
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoServer
			}
			if base, ok := entryURL(entry); ok {
				glog.Infof("[discover]found %s at %s\n", entry.Instance, base)
				return base, nil
			}
		}
	}
}

func entryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case 0 < len(entry.AddrIPv4):
		ip = entry.AddrIPv4[0]
	case 0 < len(entry.AddrIPv6):
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
