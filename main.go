// dptscreen mirrors the screen of a DPT-S1 e-paper reader on the LAN to
// browsers.
//
// The device is found by probing the configured subnet for its screenshot
// port, or given with --device. Frames are served as PNG over HTTP, pushed
// over websocket and WebRTC data channels, and the viewer is announced over
// mDNS. With --snapshot a single frame is written to a file and the program
// exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"dptscreen/config"
	"dptscreen/dpt"
	"dptscreen/sdriver"
	"dptscreen/sdriver/dptsync"
	"dptscreen/sdriver/dummy"
	sagent "dptscreen/streamAgent"
	"dptscreen/streamServer"
	"dptscreen/webservice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, dpt.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "hint: check that the reader is awake and on the same network, or pass --device <address>")
		}
		os.Exit(1)
	}
}

type options struct {
	configPath        string
	snapshot          string
	replay            string
	replayOrientation string
	browse            bool
}

func run() error {
	var opts options
	cfg := config.Default()

	flagSet := pflag.NewFlagSet("dptscreen", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "path to the YAML config file")
	flagSet.StringVarP(&cfg.Device, "device", "d", "", "device address (host or host:port); skips discovery")
	flagSet.StringVar(&cfg.Subnet, "subnet", cfg.Subnet, "subnet scanned for the device")
	flagSet.DurationVar(&cfg.FetchInterval, "interval", cfg.FetchInterval, "time between screen fetches")
	flagSet.IntVar(&cfg.RediscoverAfter, "rediscover-after", cfg.RediscoverAfter, "consecutive failures before rescanning (0 disables)")
	flagSet.StringVar(&cfg.CropProfile, "profile", cfg.CropProfile, "crop profile name")
	flagSet.StringVar(&cfg.HTTP.Listen, "http", cfg.HTTP.Listen, "HTTP listen address")
	flagSet.StringVar(&cfg.HTTP.PIN, "pin", "", "PIN required to view the screen")
	flagSet.BoolVar(&cfg.HTTP.Advertise, "advertise", cfg.HTTP.Advertise, "announce the viewer over mDNS")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.StringVarP(&opts.snapshot, "snapshot", "o", "", "write one frame as PNG to this file and exit")
	flagSet.StringVar(&opts.replay, "replay", "", "replay a captured response or image file instead of a device")
	flagSet.StringVar(&opts.replayOrientation, "replay-orientation", "landscape", "orientation of a bare replayed image")
	flagSet.BoolVar(&opts.browse, "browse", false, "list viewers announced on the LAN and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: dptscreen [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	fileCfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	// Flags given on the command line win over the file.
	flagSet.Visit(func(f *pflag.Flag) { applyFlag(fileCfg, cfg, f.Name) })
	cfg = fileCfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.browse {
		return browse(ctx)
	}

	profiles, _ := cfg.Profiles()
	endpoint, err := resolveEndpoint(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}

	if opts.snapshot != "" {
		return snapshot(ctx, cfg, opts, endpoint, profiles)
	}
	return serve(ctx, cfg, opts, endpoint, profiles, logger)
}

func applyFlag(dst, src *config.Config, name string) {
	switch name {
	case "device":
		dst.Device = src.Device
	case "subnet":
		dst.Subnet = src.Subnet
	case "interval":
		dst.FetchInterval = src.FetchInterval
	case "rediscover-after":
		dst.RediscoverAfter = src.RediscoverAfter
	case "profile":
		dst.CropProfile = src.CropProfile
	case "http":
		dst.HTTP.Listen = src.HTTP.Listen
	case "pin":
		dst.HTTP.PIN = src.HTTP.PIN
	case "advertise":
		dst.HTTP.Advertise = src.HTTP.Advertise
	case "log-level":
		dst.LogLevel = src.LogLevel
	}
}

func scanConfig(cfg *config.Config, logger *slog.Logger) dpt.ScanConfig {
	subnet, _ := cfg.SubnetPrefix()
	return dpt.ScanConfig{
		Subnet:  subnet,
		Port:    cfg.Port,
		Timeout: cfg.DiscoveryTimeout,
		Logger:  logger,
	}
}

func resolveEndpoint(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) (dpt.DeviceEndpoint, error) {
	if opts.replay != "" {
		return dpt.DeviceEndpoint{}, nil
	}
	if cfg.Device != "" {
		return dpt.ParseEndpoint(cfg.Device)
	}
	logger.Info("scanning for device", "subnet", cfg.Subnet, "port", cfg.Port)
	start := time.Now()
	endpoint, err := dpt.FindDevice(ctx, scanConfig(cfg, logger))
	if err != nil {
		return dpt.DeviceEndpoint{}, err
	}
	logger.Info("device found", "device", endpoint.String(), "took", time.Since(start))
	return endpoint, nil
}

func snapshot(ctx context.Context, cfg *config.Config, opts options, endpoint dpt.DeviceEndpoint, profiles dpt.CropProfiles) error {
	var frame *dpt.ScreenFrame
	var err error
	if opts.replay != "" {
		var raw []byte
		if raw, err = os.ReadFile(opts.replay); err != nil {
			return err
		}
		var fallback dpt.Orientation
		if fallback, err = dpt.ParseOrientation(opts.replayOrientation); err != nil {
			return err
		}
		frame, _, err = dpt.DecodeFile(raw, fallback, profiles)
	} else {
		frame, _, err = dpt.Capture(ctx, endpoint, dpt.FetchOptions{ReadTimeout: cfg.FetchTimeout}, profiles)
	}
	if err != nil {
		return err
	}

	f, err := os.Create(opts.snapshot)
	if err != nil {
		return err
	}
	if err := png.Encode(f, frame.Image()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("snapshot written", "file", opts.snapshot, "frame", frame.String())
	return nil
}

func serve(ctx context.Context, cfg *config.Config, opts options, endpoint dpt.DeviceEndpoint, profiles dpt.CropProfiles, logger *slog.Logger) error {
	newDriver := func(ep dpt.DeviceEndpoint) (sdriver.SDriver, error) {
		sc := sdriver.StreamConfig{
			Endpoint: ep,
			Interval: cfg.FetchInterval,
			Fetch:    dpt.FetchOptions{ReadTimeout: cfg.FetchTimeout},
			Crop:     profiles,
		}
		if opts.replay != "" {
			sc.OtherOpts = map[string]string{"file": opts.replay, "orientation": opts.replayOrientation}
			return dummy.New(sc, logger)
		}
		return dptsync.New(sc, logger), nil
	}

	controller := streamServer.NewStreamController(streamServer.ControllerConfig{
		Scan:            scanConfig(cfg, logger),
		RediscoverAfter: cfg.RediscoverAfter,
		NewDriver:       newDriver,
	}, sagent.AgentConfig{}, logger)
	if err := controller.StartStream(ctx, endpoint); err != nil {
		return err
	}

	wm, err := webservice.New(controller, webservice.Options{
		PIN:       cfg.HTTP.PIN,
		JWTSecret: []byte(cfg.HTTP.JWTSecret),
	}, logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		controller.StopStream()
		return err
	}
	if cfg.HTTP.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		device := endpoint.String()
		if opts.replay != "" {
			device = ""
		}
		if err := webservice.Advertise(ctx, port, device, logger); err != nil {
			logger.Warn("mDNS advertisement failed", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controller.Run(gctx) })
	g.Go(func() error { return wm.Serve(gctx, ln) })
	err = g.Wait()
	logger.Info("shut down")
	return err
}

func browse(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	viewers, err := webservice.Browse(ctx)
	if err != nil {
		return err
	}
	if len(viewers) == 0 {
		fmt.Println("no viewers found")
		return nil
	}
	for _, v := range viewers {
		fmt.Printf("%s\t%s:%d\t%v\n", v.Instance, v.Host, v.Port, v.Addrs)
	}
	return nil
}
