// Command converge runs one input through a YAML-defined convergence agent
// and prints the validated output as JSON.
//
//	converge -config agent.yaml -input invoice.json -ref req-42
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"goa.design/clue/log"

	"goa.design/converge/runtime/converge"
	"goa.design/converge/runtime/model"
	"goa.design/converge/runtime/telemetry"
)

func main() {
	var (
		configF  = flag.String("config", "agent.yaml", "Path to the YAML agent definition")
		inputF   = flag.String("input", "-", "Path to the JSON input document (- reads stdin)")
		refF     = flag.String("ref", "", "Correlation token echoed in the result")
		envF     = flag.String("env", ".env", "Dotenv file loaded before reading credentials")
		maxIterF = flag.Int("max-iterations", 0, "Review budget (overrides the agent definition when > 0)")
		dbgF     = flag.Bool("debug", false, "Log every attempt")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(*envF); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf(ctx, err, "failed to load %s", *envF)
	}

	code, err := run(ctx, options{
		configPath:    *configF,
		inputPath:     *inputF,
		ref:           *refF,
		maxIterations: *maxIterF,
	}, loadEnv(), os.Stdin, os.Stdout)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "converge failed"})
	}
	stop()
	os.Exit(code)
}

type options struct {
	configPath    string
	inputPath     string
	ref           string
	maxIterations int
	// resolve overrides provider resolution in tests.
	resolve func(v any) (model.Backend, error)
}

// run executes one convergence run and writes the report to stdout. It
// returns the process exit code: 0 on success, 1 when the run failed and 2
// when the command could not be set up.
func run(ctx context.Context, opts options, env envConfig, stdin io.Reader, stdout io.Writer) (int, error) {
	cfg, err := loadAgentConfig(opts.configPath)
	if err != nil {
		return 2, err
	}
	if opts.maxIterations > 0 {
		cfg.MaxIterations = opts.maxIterations
	}
	input, err := readInput(opts.inputPath, stdin)
	if err != nil {
		return 2, err
	}

	logger := telemetry.NewClueLogger()
	mws, cleanup, err := middlewares(ctx, cfg, env, logger)
	defer cleanup()
	if err != nil {
		return 2, err
	}

	resolve := opts.resolve
	if resolve == nil {
		resolve = resolver(mws)
	}
	gen, err := backendSpec(cfg.Generator, env, opts.resolve != nil)
	if err != nil {
		return 2, fmt.Errorf("generator: %w", err)
	}
	var rev *converge.BackendSpec
	if cfg.Reviewer != nil {
		spec, err := backendSpec(*cfg.Reviewer, env, opts.resolve != nil)
		if err != nil {
			return 2, fmt.Errorf("reviewer: %w", err)
		}
		rev = &spec
	}

	agent, err := converge.New(converge.Config{
		Generator:     gen,
		Reviewer:      rev,
		InputSchema:   cfg.InputSchema,
		OutputSchema:  cfg.OutputSchema,
		SystemPrompt:  cfg.SystemPrompt,
		MaxIterations: cfg.MaxIterations,
		Resolver:      resolve,
		Logger:        logger,
		Metrics:       telemetry.NewOtelMetrics(),
		Tracer:        telemetry.NewOtelTracer(),
	})
	if err != nil {
		return 2, err
	}

	res, runErr := agent.Run(ctx, input, converge.WithRef(opts.ref))
	rep := newReport(res, runErr, opts.ref)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return 2, fmt.Errorf("write result: %w", err)
	}
	if runErr != nil {
		return 1, runErr
	}
	return 0, nil
}

// backendSpec builds the converge spec for b. When stub is set the provider
// client is not built and the provider name is passed to the resolver.
func backendSpec(b backendConfig, env envConfig, stub bool) (converge.BackendSpec, error) {
	var client any = b.Provider
	if !stub {
		c, err := providerClient(b, env)
		if err != nil {
			return converge.BackendSpec{}, err
		}
		client = c
	}
	return converge.BackendSpec{Backend: client, Model: b.Model, Config: b.generation()}, nil
}

func readInput(path string, stdin io.Reader) (any, error) {
	r := stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return v, nil
}
