package webservice

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType   = "_dptscreen._tcp"
	ServiceDomain = "local."
)

// Advertise announces the viewer over mDNS until ctx is done.
func Advertise(ctx context.Context, port int, device string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "dptscreen"
	}
	instance := fmt.Sprintf("dptscreen on %s", host)
	txt := []string{"path=/api/screen.png"}
	if device != "" {
		txt = append(txt, "device="+device)
	}
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", ServiceType, err)
	}
	logger.Info("advertising viewer", "instance", instance, "service", ServiceType, "port", port)
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

type Viewer struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Addrs    []string `json:"addrs"`
	Text     []string `json:"text"`
}

// Browse lists viewers announced on the LAN until ctx is done.
func Browse(ctx context.Context) ([]Viewer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, err
	}
	var viewers []Viewer
	for entry := range entries {
		v := Viewer{Instance: entry.Instance, Host: entry.HostName, Port: entry.Port, Text: entry.Text}
		for _, ip := range entry.AddrIPv4 {
			v.Addrs = append(v.Addrs, ip.String())
		}
		for _, ip := range entry.AddrIPv6 {
			v.Addrs = append(v.Addrs, ip.String())
		}
		viewers = append(viewers, v)
	}
	return viewers, nil
}
