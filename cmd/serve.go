package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/camserver/config"
	"github.com/babelcloud/gbox/packages/camserver/internal/node"
	"github.com/babelcloud/gbox/packages/camserver/internal/notifier"
	"github.com/babelcloud/gbox/packages/camserver/internal/record"
	"github.com/babelcloud/gbox/packages/camserver/internal/server"
	"github.com/babelcloud/gbox/packages/camserver/internal/sources"
	"github.com/babelcloud/gbox/packages/camserver/internal/stream"
	"github.com/babelcloud/gbox/packages/camserver/internal/util"
)

const shutdownTimeout = 5 * time.Second

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a camera source over HTTP and WebSocket",
		Long: `Start a source and an MJPEG server for it. The web UI is served on /, the stream on
/stream.mjpg (HTTP multipart) and /stream.ws (WebSocket).`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
		Example: `  # Serve the test pattern on port 8080
  camserver serve

  # Replay a directory of images at 10 fps on port 9000
  camserver serve --source images:./frames --fps 10 --port 9000

  # Serve and record to a Matroska file
  camserver serve --record capture.mkv`,
	}

	flags := cmd.Flags()
	flags.IntP("port", "p", 8080, "HTTP listen port")
	flags.String("source", "pattern", `Source: "pattern" or "images:<dir>"`)
	flags.String("name", "cam0", "Source name")
	flags.Int("width", 640, "Capture width")
	flags.Int("height", 480, "Capture height")
	flags.Int("fps", 30, "Capture frame rate")
	flags.String("pixel-format", "mjpeg", "Capture pixel format (mjpeg, gray, bgr)")
	flags.String("record", "", "Record the source to this Matroska file")
	flags.Bool("open", false, "Open the web UI in a browser")
	flags.Bool("proxy-protocol", false, "Accept PROXY protocol headers")
	flags.Duration("keep-alive", stream.DefaultKeepAlive, "Idle separator interval of HTTP streams")

	for key, name := range map[string]string{
		"server.port":           "port",
		"source.default":        "source",
		"source.name":           "name",
		"video.width":           "width",
		"video.height":          "height",
		"video.fps":             "fps",
		"video.pixel_format":    "pixel-format",
		"record.path":           "record",
		"server.open_browser":   "open",
		"server.proxy_protocol": "proxy-protocol",
		"server.keep_alive":     "keep-alive",
	} {
		if err := config.BindFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

// newDriver builds the driver named by a source spec.
func newDriver(spec, name string) (string, node.Driver, error) {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case sources.PatternKind:
		return kind, sources.NewPattern(name), nil
	case sources.ImagesKind:
		if arg == "" {
			return "", nil, errors.New("images source needs a directory: images:<dir>")
		}
		d, err := sources.NewImages(arg)
		if err != nil {
			return "", nil, errors.Wrap(err, "failed to load images")
		}
		return kind, d, nil
	}
	return "", nil, errors.Errorf("unknown source %q", spec)
}

func logEvents(nodes *node.Context) {
	logger := util.GetLogger().With("component", "events")
	nodes.AddListener(func(ev notifier.Event) {
		logger.Debug("Event", "kind", ev.Kind.String(), "name", ev.Name, "stream", ev.Stream)
	}, notifier.All, true)
}

func startRecorder(nodes *node.Context, src *node.Source, f *os.File) (*record.Recorder, error) {
	rec, err := record.New(nodes, "record", f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := rec.SetSource(src); err != nil {
		rec.Stop()
		return nil, err
	}
	if err := rec.Start(); err != nil {
		rec.Stop()
		return nil, err
	}
	return rec, nil
}

// startServer creates, configures and starts the MJPEG server. On failure
// the partly built server is stopped again.
func startServer(nodes *node.Context, src *node.Source, opts server.Options, defaults stream.Config) (*server.Server, error) {
	srv, err := server.New(nodes, opts)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*server.Server, error) {
		if serr := srv.Stop(context.Background()); serr != nil {
			util.GetLogger().Warn("Failed to stop server", "error", serr)
		}
		return nil, err
	}
	if err := srv.SetSource(src); err != nil {
		return fail(errors.Wrap(err, "failed to bind server source"))
	}
	if err := srv.SetDefaults(defaults); err != nil {
		return fail(err)
	}
	if err := srv.Start(); err != nil {
		return fail(err)
	}
	return srv, nil
}

func runServe(ctx context.Context) error {
	logger := util.GetLogger()
	nodes := node.NewContext()
	defer nodes.Shutdown()
	logEvents(nodes)

	kind, driver, err := newDriver(config.GetDefaultSource(), config.GetSourceName())
	if err != nil {
		return err
	}
	src, err := nodes.CreateSource(config.GetSourceName(), kind, driver)
	if err != nil {
		return errors.Wrap(err, "failed to create source")
	}
	strategy, err := node.ParseConnectionStrategy(config.GetConnectionStrategy())
	if err != nil {
		return errors.Wrap(err, "invalid connection strategy")
	}
	src.SetConnectionStrategy(strategy)
	if err := src.SetVideoMode(config.GetVideoMode()); err != nil {
		return errors.Wrapf(err, "failed to set video mode %s", config.GetVideoMode())
	}

	d := config.GetStreamDefaults()
	srv, err := startServer(nodes, src, server.Options{
		Name:          "mjpeg",
		Addr:          fmt.Sprintf(":%d", config.GetPort()),
		KeepAlive:     config.GetKeepAlive(),
		ProxyProtocol: config.GetProxyProtocol(),
	}, stream.Config{
		Width:          d.Width,
		Height:         d.Height,
		FPS:            d.FPS,
		Quality:        d.Compression,
		DefaultQuality: d.DefaultCompression,
	})
	if err != nil {
		return err
	}

	var rec *record.Recorder
	if path := config.GetRecordPath(); path != "" {
		f, err := os.Create(path)
		if err != nil {
			srv.Stop(context.Background())
			return errors.Wrapf(err, "failed to create %s", path)
		}
		if rec, err = startRecorder(nodes, src, f); err != nil {
			srv.Stop(context.Background())
			return errors.Wrap(err, "failed to start recording")
		}
		logger.Info("Recording", "path", path)
	}

	url := fmt.Sprintf("http://localhost:%d/", config.GetPort())
	fmt.Printf("%s %s %s\n", color.GreenString("camserver"), color.CyanString("➜"), color.BlueString(url))
	fmt.Printf("%s\n", color.CyanString("Press Ctrl+C to stop..."))
	if config.GetOpenBrowser() {
		if err := browser.OpenURL(url); err != nil {
			logger.Warn("Failed to open browser", "error", err)
		}
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var stopErr error
	if rec != nil {
		if err := rec.Stop(); err != nil {
			stopErr = errors.Wrap(err, "failed to finish recording")
		} else {
			logger.Info("Recording saved", "frames", rec.Frames())
		}
	}
	if err := srv.Stop(stopCtx); err != nil && stopErr == nil {
		stopErr = err
	}
	return stopErr
}
