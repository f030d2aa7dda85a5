package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nixxel-company-limited/escpos-bridge/config"
	"github.com/nixxel-company-limited/escpos-bridge/escpos"
	"github.com/nixxel-company-limited/escpos-bridge/imaging"
	"github.com/nixxel-company-limited/escpos-bridge/logger"
	"github.com/nixxel-company-limited/escpos-bridge/printer"
	"github.com/nixxel-company-limited/escpos-bridge/server"
)

const usage = `Usage: escpos-bridge <command> [flags]

Commands:
  serve              forward raw TCP print jobs to the printer (default)
  print <image>      print a PNG, JPEG, GIF, BMP or WebP image; with
                     --base64 the argument is base64 data, "-" reads stdin
  drawer             open the cash drawer

Run "escpos-bridge <command> --help" for the flags of a command.
`

func main() {
	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "serve":
		err = serve(args)
	case "print":
		err = printImage(args)
	case "drawer":
		err = openDrawer(args)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup parses the command flags and builds the configuration and logger
func setup(name string, args []string, extra func(fs *pflag.FlagSet)) (*config.Config, *pflag.FlagSet, *zap.Logger, error) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	config.RegisterFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, fs, log, nil
}

func serve(args []string) error {
	cfg, _, log, err := setup("serve", args, nil)
	if err != nil {
		return err
	}
	defer log.Sync()

	target, err := cfg.Target()
	if err != nil {
		return err
	}

	svc := printer.New(log)
	defer svc.Close()

	svr := server.NewWithLogger(svc, target, cfg.ServerAddress, log)
	if err := svr.StartAsync(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("Shutting down")
	return svr.Stop()
}

func printImage(args []string) error {
	var (
		wrapper string
		bitonal string
		feed    int
		noCut   bool
		partial bool
		scale   bool
		encoded bool
	)
	cfg, fs, log, err := setup("print", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&wrapper, "wrapper", "raster", "image command: raster, bit or graphics")
		fs.StringVar(&bitonal, "bitonal", "threshold", "black/white reduction: threshold, ordered or diffusion")
		fs.IntVar(&feed, "feed", printer.DefaultFeed, "lines fed after the image")
		fs.BoolVar(&noCut, "no-cut", false, "do not cut the paper")
		fs.BoolVar(&partial, "partial-cut", false, "leave a tab uncut")
		fs.BoolVar(&scale, "scale", true, "shrink images wider than the printable width instead of cropping")
		fs.BoolVar(&encoded, "base64", false, "the image argument is base64 data or a data URL")
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	if fs.NArg() != 1 {
		return fmt.Errorf("print expects exactly one image")
	}

	req := printer.Request{
		MaxWidth:  cfg.MaxWidth,
		MaxHeight: cfg.MaxHeight,
		Feed:      feed,
		NoCut:     noCut,
	}
	if feed == 0 {
		req.Feed = -1
	}
	if partial {
		req.Cut = escpos.CutPartial
	}

	if req.Target, err = cfg.Target(); err != nil {
		return err
	}
	if req.Wrapper, err = parseWrapper(wrapper); err != nil {
		return err
	}
	if req.Bitonal, err = parseBitonal(bitonal); err != nil {
		return err
	}

	img, err := loadImage(fs.Arg(0), encoded, os.Stdin)
	if err != nil {
		return err
	}
	if !scale && img.Bounds().Dx() > cfg.MaxWidth {
		// the service scales wide images; crop instead
		img = imaging.ToImage(imaging.FromImage(img).SubImage(0, 0, cfg.MaxWidth, img.Bounds().Dy()))
	}
	req.Image = imaging.FromImage(img)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := printer.New(log)
	if err := svc.Acquire(ctx); err != nil {
		return err
	}
	defer svc.Release()

	source := fs.Arg(0)
	if encoded {
		source = "base64"
	}
	log.Info("Printing image",
		zap.String("source", source),
		zap.Int("width", req.Image.Width()),
		zap.Int("height", req.Image.Height()),
		zap.String("target", req.Target.Key()),
	)
	return svc.PrintImage(ctx, req)
}

// loadImage reads the image named by arg: a file path, or base64 data when
// encoded is set. "-" reads the data from stdin.
func loadImage(arg string, encoded bool, stdin io.Reader) (image.Image, error) {
	switch {
	case encoded && arg == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		return imaging.DecodeBase64(string(data))
	case encoded:
		return imaging.DecodeBase64(arg)
	case arg == "-":
		return imaging.Decode(stdin)
	default:
		return imaging.Load(arg)
	}
}

func openDrawer(args []string) error {
	var pin int
	cfg, _, log, err := setup("drawer", args, func(fs *pflag.FlagSet) {
		fs.IntVar(&pin, "pin", 2, "drawer kick-out connector pin: 2 or 5")
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	drawerPin, err := parsePin(pin)
	if err != nil {
		return err
	}
	target, err := cfg.Target()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := printer.New(log)
	if err := svc.Acquire(ctx); err != nil {
		return err
	}
	defer svc.Release()

	return svc.OpenDrawerPin(ctx, target, drawerPin)
}

func parsePin(pin int) (int, error) {
	switch pin {
	case 2:
		return escpos.DrawerPin2, nil
	case 5:
		return escpos.DrawerPin5, nil
	default:
		return 0, fmt.Errorf("drawer pin must be 2 or 5, got %d", pin)
	}
}

func parseWrapper(name string) (escpos.ImageWrapper, error) {
	switch strings.ToLower(name) {
	case "raster", "":
		return escpos.RasterBitImage{}, nil
	case "bit":
		return escpos.BitImage{}, nil
	case "graphics":
		return escpos.Graphics{}, nil
	default:
		return nil, fmt.Errorf("unknown image wrapper %q", name)
	}
}

func parseBitonal(name string) (escpos.Bitonal, error) {
	switch strings.ToLower(name) {
	case "threshold", "":
		return escpos.Threshold{}, nil
	case "ordered", "bayer":
		return escpos.OrderedDither{}, nil
	case "diffusion", "floyd-steinberg":
		return escpos.ErrorDiffusion{}, nil
	default:
		return nil, fmt.Errorf("unknown bitonal algorithm %q", name)
	}
}
