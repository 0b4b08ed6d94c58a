// Command cscore scores every record of a citation stream against a weight
// vector and writes the best results as (score float32, id uint32) pairs.
//
// Weights are read from stdin as numfeats float64 values in the stream's
// byte order. Logs go to stderr so stdout carries only results.
//
// A numcites of 0 scores the whole stream.
//
// Usage:
//
//	cscore [flags] citations numcites numfeats offset limit threshold mindate maxdate < weights > results
package main

import (
	"bufio"
	"context"
	"encoding/binary"
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
	"github.com/Adithya-Monish-Kumar-K/citescore/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/citescore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/citescore/pkg/tracing"
)

const usage = "usage: cscore [flags] citations numcites numfeats offset limit threshold mindate maxdate < weights > results"

func main() {
	configPath := flag.String("config", "", "path to config file (defaults plus CS_* environment when empty)")
	width := flag.Int("width", 0, "feature id width in bits, 16 or 32 (overrides config)")
	encoding := flag.String("encoding", "", "payload encoding, vbyte or plain (overrides config)")
	noDate := flag.Bool("no-date", false, "records carry no date field")
	byteOrder := flag.String("byte-order", "", "little or big (overrides config)")
	workers := flag.Int("workers", 0, "decode workers (overrides config)")
	compression := flag.String("compression", "", "auto, none, zstd or lz4 (overrides config)")
	mmap := flag.Bool("mmap", false, "memory-map uncompressed streams")
	excludeFile := flag.String("exclude", "", "file of sorted uint32 ids to drop from the results")
	trace := flag.Bool("trace", false, "log the run's span tree at debug level")
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
	if *noDate {
		cfg.Engine.HasDate = false
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
	if *trace {
		cfg.Logging.Level = "debug"
	}
	logger.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, args, *excludeFile, *trace); err != nil {
		slog.Error("cscore failed", "error", err)
		stop()
		os.Exit(1)
	}
}

type scoreArgs struct {
	citations string
	numCites  uint64
	numFeats  int
	params    scoring.Params
}

func parseArgs(args []string) (scoreArgs, error) {
	var a scoreArgs
	if len(args) != 8 {
		return a, fmt.Errorf("expected 8 arguments, got %d", len(args))
	}
	a.citations = args[0]
	var err error
	if a.numCites, err = strconv.ParseUint(args[1], 10, 64); err != nil {
		return a, fmt.Errorf("numcites: %w", err)
	}
	if a.numFeats, err = strconv.Atoi(args[2]); err != nil || a.numFeats < 0 || a.numFeats > counting.MaxFeatures {
		return a, fmt.Errorf("numfeats: invalid value %q", args[2])
	}
	offset, err := strconv.ParseFloat(args[3], 32)
	if err != nil {
		return a, fmt.Errorf("offset: %w", err)
	}
	if a.params.Limit, err = strconv.Atoi(args[4]); err != nil {
		return a, fmt.Errorf("limit: %w", err)
	}
	threshold, err := strconv.ParseFloat(args[5], 32)
	if err != nil {
		return a, fmt.Errorf("threshold: %w", err)
	}
	minDate, err := strconv.ParseUint(args[6], 10, 32)
	if err != nil {
		return a, fmt.Errorf("mindate: %w", err)
	}
	maxDate, err := strconv.ParseUint(args[7], 10, 32)
	if err != nil {
		return a, fmt.Errorf("maxdate: %w", err)
	}
	a.params.Offset = float32(offset)
	a.params.Threshold = float32(threshold)
	a.params.MinDate = uint32(minDate)
	a.params.MaxDate = uint32(maxDate)
	return a, nil
}

func run(ctx context.Context, cfg *config.Config, args scoreArgs, excludeFile string, trace bool) error {
	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return err
	}
	order := eng.Format().Order

	weights, err := engine.ReadWeights(bufio.NewReader(os.Stdin), args.numFeats, order)
	if err != nil {
		return err
	}
	req := engine.ScoreRequest{Weights: weights, Params: args.params, NumCites: args.numCites}
	if excludeFile != "" {
		if req.Exclude, err = readExclusions(excludeFile, order); err != nil {
			return err
		}
		req.Params.ExcludeInScoring = true
	}

	src, err := citestream.Open(args.citations, citestream.OpenOptions{
		Compression: cfg.Stream.Compression,
		Mmap:        cfg.Stream.Mmap,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	if trace {
		var span *tracing.Span
		ctx, span = tracing.StartSpan(ctx, "cscore")
		defer func() {
			span.End()
			span.Log(slog.Default())
		}()
	}
	res, err := eng.Score(ctx, src, req)
	if err != nil {
		return err
	}
	return engine.WriteScores(os.Stdout, order, res.Results)
}

func readExclusions(path string, order binary.ByteOrder) (*exclusion.Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening exclusions: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat exclusions: %w", err)
	}
	if info.Size()%4 != 0 {
		return nil, fmt.Errorf("%w: exclusion file size %d is not a multiple of 4", apperrors.ErrInvalidInput, info.Size())
	}
	return exclusion.Read(bufio.NewReader(f), int(info.Size()/4), order)
}
