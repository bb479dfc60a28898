// Command implicitauth obtains access tokens through the implicit grant without a browser. It
// follows the authentication server's redirects over HTTP and captures the token from the
// redirect to the private redirect URI. Servers that require an interactive login page fail with
// "page requires user interaction".
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/alitto/pond"
	"github.com/goccy/go-yaml"

	"github.com/getlantern/implicitauth/config"
	"github.com/getlantern/implicitauth/flow"
	"github.com/getlantern/implicitauth/headless"
	"github.com/getlantern/implicitauth/internal"
	"github.com/getlantern/implicitauth/telemetry"
)

var version = "dev"

type args struct {
	Config       string        `arg:"-c,--config,required" help:"authentication parameter file (JSON or YAML)"`
	Contexts     []string      `arg:"--context,separate" help:"additional context institution ID to obtain a token for"`
	Timeout      time.Duration `arg:"--timeout" help:"abort a flow after this long, overrides the parameter file"`
	Workers      int           `arg:"--workers" default:"4" help:"number of flows run concurrently"`
	Format       string        `arg:"--format" default:"yaml" help:"output format: yaml or json"`
	Claims       bool          `arg:"--claims" help:"print the unverified claims of JWT access tokens"`
	LogLevel     string        `arg:"--log-level" help:"trace, debug, info, warn or error"`
	LogFile      string        `arg:"--log-file" help:"also write logs to this file, rotated at 10MB"`
	OTLPEndpoint string        `arg:"--otlp-endpoint" help:"OTLP/gRPC collector to export traces and metrics to"`
}

func (args) Version() string {
	return "implicitauth " + version
}

type report struct {
	ContextInstitutionID string            `json:"contextInstitutionId" yaml:"contextInstitutionId"`
	Success              bool              `json:"success" yaml:"success"`
	Result               map[string]string `json:"result" yaml:"result"`
	Claims               map[string]any    `json:"claims,omitempty" yaml:"claims,omitempty"`
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if err := checkFormat(a.Format); err != nil {
		p.Fail(err.Error())
	}
	os.Exit(run(a))
}

// checkFormat rejects unknown output formats before any flow is run.
func checkFormat(format string) error {
	switch format {
	case "yaml", "json", "":
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func run(a args) int {
	if err := checkFormat(a.Format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger, closeLog := newLogger(a)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.OTLPEndpoint == "" {
		a.OTLPEndpoint, _ = config.Get[string](config.OTLPEndpoint)
	}
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{Endpoint: a.OTLPEndpoint, Version: version})
	if err != nil {
		slog.Error("Failed to set up telemetry", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	file, err := config.Load(a.Config)
	if err != nil {
		slog.Error("Failed to load parameters", "error", err)
		return 1
	}
	opts := file.Options
	if a.Timeout > 0 {
		opts.Timeout = a.Timeout
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		slog.Error("Failed to create cookie jar", "error", err)
		return 1
	}
	surface := headless.New(headless.Options{
		Jar:          jar,
		RetryMax:     opts.RetryMax,
		MaxRedirects: opts.MaxRedirects,
		Logger:       logger,
	})

	requests := []flow.Request{file.Request}
	for _, id := range a.Contexts {
		req := file.Request
		req.ContextInstitutionID = id
		requests = append(requests, req)
	}

	workers := max(a.Workers, 1)
	reports := make([]report, len(requests))
	pool := pond.New(workers, len(requests))
	for i, req := range requests {
		pool.Submit(func() {
			reports[i] = authenticate(ctx, surface, req, opts, a.Claims)
		})
	}
	pool.StopAndWait()

	if err := write(os.Stdout, a.Format, reports); err != nil {
		slog.Error("Failed to write results", "error", err)
		return 1
	}
	for _, r := range reports {
		if !r.Success {
			return 1
		}
	}
	return 0
}

func authenticate(ctx context.Context, surface flow.Surface, req flow.Request, opts config.FlowOptions, withClaims bool) report {
	rep := report{ContextInstitutionID: req.ContextInstitutionID}
	session, err := flow.Start(ctx, surface, req, flow.Options{
		Timeout: opts.Timeout,
		Policy:  opts.Policy(),
	})
	if err != nil {
		rep.Result = map[string]string{flow.ResultError: flow.ErrorSystem, flow.ResultErrorDescription: err.Error()}
		return rep
	}
	outcome := session.Wait(ctx)
	rep.Success = outcome.Success
	rep.Result = outcome.Result.Map()
	if withClaims && outcome.Result.AccessToken != "" {
		if claims, err := outcome.Result.Claims(); err == nil {
			rep.Claims = claims
		} else {
			slog.Debug("Access token has no readable claims", "flow_id", session.ID, "error", err)
		}
	}
	return rep
}

func write(w io.Writer, format string, reports []report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "yaml", "":
		out, err := yaml.Marshal(reports)
		if err != nil {
			return fmt.Errorf("marshaling results: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newLogger(a args) (*slog.Logger, func()) {
	levelName := a.LogLevel
	if levelName == "" {
		levelName, _ = config.Get[string](config.LogLevel)
	}
	level, err := internal.ParseLogLevel(levelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, using info\n", err)
	}

	logFile := a.LogFile
	if logFile == "" {
		logFile, _ = config.Get[string](config.LogPath)
	}
	if logFile == "" {
		return internal.NewLogger(os.Stderr, level), func() {}
	}
	rotating := internal.NewRotatingFile(logFile, 10, 3)
	return internal.NewLogger(io.MultiWriter(os.Stderr, rotating), level), func() { _ = rotating.Close() }
}
