package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"

	"github.com/cactusdynamics/liveplot"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type options struct {
	Config    string   `short:"c" long:"config" description:"YAML configuration file"`
	Addr      string   `long:"addr" description:"listen address, overrides the config file"`
	Codec     string   `long:"codec" choice:"json" choice:"cbor" description:"structured section codec, overrides the config file"`
	Stdin     bool     `long:"stdin" description:"also plot rows read from stdin"`
	Columns   []string `long:"column" description:"name of a stdin column, repeat for each column"`
	NoBrowser bool     `long:"no-browser" description:"do not open the renderer"`
	Verbose   bool     `short:"v" long:"verbose" description:"log every broadcast frame"`
}

func loadConfig(opts options) (liveplot.Config, error) {
	config := liveplot.DefaultConfig()
	if opts.Config != "" {
		var err error
		config, err = liveplot.LoadConfig(opts.Config)
		if err != nil {
			return config, err
		}
	}

	if opts.Addr != "" {
		config.Addr = opts.Addr
	}
	if opts.Codec != "" {
		config.Codec = opts.Codec
	}
	return config, config.Validate()
}

// runWaves drives two demo charts: a streaming sin/cos pair extended every
// update period and a spectrum replaced wholesale every 50 ticks.
func runWaves(ctx context.Context, registry *liveplot.Registry, config liveplot.Config) error {
	logger := logrus.WithField("tag", "Waves")

	waves, err := registry.Create(ctx,
		[]liveplot.Series{{Name: "sin"}, {Name: "cos"}},
		liveplot.Options{
			liveplot.OptionTitle:  "Waves",
			liveplot.OptionYRange: []any{-1.2, 1.2},
			liveplot.OptionLegend: true,
		},
		liveplot.WithHistoryLimit(config.HistoryLimit),
		liveplot.WithDefaultStyles())
	if err != nil {
		return err
	}

	bins := make([]float64, 16)
	for i := range bins {
		bins[i] = float64(i)
	}
	spectrum, err := registry.Create(ctx,
		liveplot.Aligned(bins, []string{"power"}, make([]float64, len(bins))),
		liveplot.Options{liveplot.OptionTitle: "Spectrum", liveplot.OptionYRange: []any{0, 1}},
		liveplot.WithDefaultStyles())
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(config.UpdatePeriod), 1)
	x := 0.0
	for tick := 1; ; tick++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		x += config.UpdatePeriod.Seconds()
		_, err := registry.ExtendData(ctx, waves.ID, []liveplot.Sample{
			{X: x, Y: math.Sin(x)},
			{X: x, Y: math.Cos(x)},
		})
		if err != nil && !tolerable(err) {
			return err
		} else if err != nil {
			logger.WithError(err).Warn("dropped a sample")
		}

		if tick%50 != 0 {
			continue
		}

		power := make([]float64, len(bins))
		for i := range power {
			power[i] = rand.Float64()
		}
		if _, err := registry.ReplaceData(ctx, spectrum.ID, liveplot.Aligned(bins, nil, power)); err != nil && !tolerable(err) {
			return err
		}

		if err := registry.PatchOptions(ctx, waves.ID, liveplot.Options{
			liveplot.OptionTitle: fmt.Sprintf("Waves (%d ticks)", tick),
		}); err != nil && !tolerable(err) {
			return err
		}
	}
}

// tolerable reports errors that cost an update but leave the handle usable.
func tolerable(err error) bool {
	return errors.Is(err, liveplot.ErrTimeout) || errors.Is(err, liveplot.ErrDelivery)
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	config, err := loadConfig(opts)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	broadcaster := liveplot.NewSurfaceBroadcaster(config.ParsedCodec())
	channel := liveplot.NewUpdateChannel(broadcaster, config.ChannelConfig(liveplot.NewChannelMetrics(reg)))
	registry := liveplot.NewRegistry(channel)
	defer registry.Close()

	server := liveplot.NewHttpServer(registry, broadcaster, reg, config.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, func(addr string) {
			if !opts.NoBrowser {
				liveplot.OpenBrowser("http://" + addr)
			}
		})
	})
	g.Go(func() error {
		return runWaves(gctx, registry, config)
	})

	if opts.Stdin {
		pump := &liveplot.RowPump{
			Input: &liveplot.TextToRowReader{
				Input:   liveplot.NewRelaxedStringReader(os.Stdin),
				XIndex:  -1,
				Columns: opts.Columns,
			},
			Registry:     registry,
			Options:      liveplot.Options{liveplot.OptionTitle: "stdin", liveplot.OptionTime: true},
			HistoryLimit: config.HistoryLimit,
			OnCreate: func(handle liveplot.PlotHandle) {
				logrus.WithField("id", handle.ID).Info("plotting stdin")
			},
		}
		// Reads from stdin cannot be interrupted, so the pump stays out of the
		// group.
		go func() {
			rows, err := pump.Run(gctx)
			logrus.WithError(err).WithField("rows", rows).Info("stdin pump stopped")
		}()
	}

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("liveplot stopped")
	}
}
