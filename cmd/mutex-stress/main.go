// Command mutex-stress hammers one lock from many goroutines and checks
// that no two critical sections ever overlap.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mirkobrombin/go-mutex/v1/config"
	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/logging"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/presets"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type options struct {
	workers    int
	iterations int
	hold       time.Duration
	timeout    time.Duration
	expiresIn  time.Duration
	key        string
	pprofAddr  string
}

type report struct {
	runs     atomic.Int64
	timeouts atomic.Int64
	overlaps atomic.Int64
	elapsed  time.Duration
}

func main() {
	fs := pflag.NewFlagSet("mutex-stress", pflag.ExitOnError)
	config.AddFlags(fs)
	var o options
	fs.IntVar(&o.workers, "workers", 16, "concurrent goroutines")
	fs.IntVar(&o.iterations, "iterations", 100, "critical sections per goroutine")
	fs.DurationVar(&o.hold, "hold", time.Millisecond, "time spent inside each critical section")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "acquisition timeout")
	fs.DurationVar(&o.expiresIn, "expires-in", 10*time.Second, "lock expiry")
	fs.StringVar(&o.key, "key", "mutex-stress", "lock key")
	fs.StringVar(&o.pprofAddr, "pprof", "", "serve pprof on this address")
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	v, err := config.NewViper(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.NewPrettyLogger(os.Stderr, "mutex-stress", cfg.LogLevel)

	if o.pprofAddr != "" {
		go func() {
			logger.Info().Str("addr", o.pprofAddr).Msg("serving pprof")
			if err := http.ListenAndServe(o.pprofAddr, nil); err != nil {
				logger.Error().Err(err).Msg("pprof")
			}
		}()
	}

	inst, err := presets.FromConfig(ctx, cfg, mutex.WithLogger(logger.Level(zerolog.WarnLevel)))
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}

	r, err := stress(ctx, inst.Mutex, o)
	if err != nil {
		logger.Error().Err(err).Msg("stress run failed")
	}
	printReport(r, o)
	if cerr := inst.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("close store")
	}
	if err != nil || r.overlaps.Load() > 0 {
		os.Exit(1)
	}
}

func stress(ctx context.Context, m *mutex.Mutex, o options) (*report, error) {
	r := &report{}
	var inside atomic.Int32
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < o.workers; w++ {
		g.Go(func() error {
			for i := 0; i < o.iterations; i++ {
				err := m.Do(ctx, o.key, func(context.Context) error {
					if inside.Add(1) > 1 {
						r.overlaps.Add(1)
					}
					time.Sleep(o.hold)
					inside.Add(-1)
					r.runs.Add(1)
					return nil
				}, mutex.WithTimeout(o.timeout), mutex.WithExpiresIn(o.expiresIn))
				switch {
				case err == nil:
				case mutexerrors.IsTimeout(err):
					r.timeouts.Add(1)
				default:
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()
	r.elapsed = time.Since(start)
	return r, err
}

func printReport(r *report, o options) {
	runs := r.runs.Load()
	rate := float64(runs) / r.elapsed.Seconds()
	fmt.Printf("workers      %d\n", o.workers)
	fmt.Printf("sections     %s of %s\n", humanize.Comma(runs), humanize.Comma(int64(o.workers*o.iterations)))
	fmt.Printf("timeouts     %s\n", humanize.Comma(r.timeouts.Load()))
	fmt.Printf("overlaps     %s\n", humanize.Comma(r.overlaps.Load()))
	fmt.Printf("elapsed      %s\n", r.elapsed.Round(time.Millisecond))
	fmt.Printf("throughput   %s sections/s\n", humanize.CommafWithDigits(rate, 1))
}
