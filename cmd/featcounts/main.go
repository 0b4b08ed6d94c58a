// Command featcounts counts how many in-range, non-excluded records carry
// each feature.
//
// numexcluded sorted uint32 ids are read from stdin. The output is the
// matched record count as uint32 followed by numfeats int32 counters, in the
// stream's byte order.
//
// A numcites of 0 counts the whole stream.
//
// Usage:
//
//	featcounts [flags] citations numcites numfeats mindate maxdate numexcluded < excluded > counts
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/citescore/internal/citestream"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/counting"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/exclusion"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/logger"
)

const usage = "usage: featcounts [flags] citations numcites numfeats mindate maxdate numexcluded < excluded > counts"

type countArgs struct {
	citations   string
	numCites    uint64
	numFeats    int
	minDate     uint32
	maxDate     uint32
	numExcluded int
}

func main() {
	configPath := flag.String("config", "", "path to config file (defaults plus CS_* environment when empty)")
	width := flag.Int("width", 0, "feature id width in bits, 16 or 32 (overrides config)")
	encoding := flag.String("encoding", "", "payload encoding, vbyte or plain (overrides config)")
	byteOrder := flag.String("byte-order", "", "little or big (overrides config)")
	workers := flag.Int("workers", 0, "decode workers (overrides config)")
	compression := flag.String("compression", "", "auto, none, zstd or lz4 (overrides config)")
	mmap := flag.Bool("mmap", false, "memory-map uncompressed streams")
	matchedOut := flag.String("matched", "", "write the ids of counted records to this file as a roaring bitmap")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args, err := parseArgs(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n%s\n", err, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *width != 0 {
		cfg.Engine.FeatureWidth = *width
	}
	if *encoding != "" {
		cfg.Engine.Encoding = *encoding
	}
	if *byteOrder != "" {
		cfg.Engine.ByteOrder = *byteOrder
	}
	if *workers != 0 {
		cfg.Engine.Workers = *workers
	}
	if *compression != "" {
		cfg.Stream.Compression = *compression
	}
	if *mmap {
		cfg.Stream.Mmap = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, args, *matchedOut); err != nil {
		slog.Error("featcounts failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func parseArgs(args []string) (countArgs, error) {
	var a countArgs
	if len(args) != 6 {
		return a, fmt.Errorf("expected 6 arguments, got %d", len(args))
	}
	a.citations = args[0]
	var err error
	if a.numCites, err = strconv.ParseUint(args[1], 10, 64); err != nil {
		return a, fmt.Errorf("numcites: %w", err)
	}
	if a.numFeats, err = strconv.Atoi(args[2]); err != nil || a.numFeats < 0 || a.numFeats > counting.MaxFeatures {
		return a, fmt.Errorf("numfeats: invalid value %q", args[2])
	}
	minDate, err := strconv.ParseUint(args[3], 10, 32)
	if err != nil {
		return a, fmt.Errorf("mindate: %w", err)
	}
	maxDate, err := strconv.ParseUint(args[4], 10, 32)
	if err != nil {
		return a, fmt.Errorf("maxdate: %w", err)
	}
	if a.numExcluded, err = strconv.Atoi(args[5]); err != nil || a.numExcluded < 0 {
		return a, fmt.Errorf("numexcluded: invalid value %q", args[5])
	}
	a.minDate = uint32(minDate)
	a.maxDate = uint32(maxDate)
	return a, nil
}

func run(ctx context.Context, cfg *config.Config, args countArgs, matchedOut string) error {
	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return err
	}
	order := eng.Format().Order

	excl, err := exclusion.Read(bufio.NewReader(os.Stdin), args.numExcluded, order)
	if err != nil {
		return err
	}

	src, err := citestream.Open(args.citations, citestream.OpenOptions{
		Compression: cfg.Stream.Compression,
		Mmap:        cfg.Stream.Mmap,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	res, err := eng.Count(ctx, src, engine.CountRequest{
		NumFeatures: args.numFeats,
		Params: counting.Params{
			MinDate:      args.minDate,
			MaxDate:      args.maxDate,
			TrackMatched: matchedOut != "",
		},
		Exclude:  excl,
		NumCites: args.numCites,
	})
	if err != nil {
		return err
	}
	if matchedOut != "" {
		if err := writeMatched(matchedOut, res); err != nil {
			return err
		}
	}
	return engine.WriteCounts(os.Stdout, order, res)
}

func writeMatched(path string, res *counting.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating matched-id file: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := res.MatchedIDs.WriteTo(w); err != nil {
		f.Close()
		return fmt.Errorf("writing matched ids: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing matched ids: %w", err)
	}
	return f.Close()
}
