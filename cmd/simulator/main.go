package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nshruti113/dos-protect/internal/config"
	"github.com/nshruti113/dos-protect/internal/emitter"
	"github.com/nshruti113/dos-protect/internal/logging"
)

const usage = `usage:
  simulator run [flags]      drive good and bad clients against a replica
  simulator analyze [flags]  check a security log for a complete attack episode

The replica must trust X-Forwarded-For, e.g. server -config configs/simulator.yaml.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	logger, _, err := logging.New(config.LoggerConfig{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch os.Args[1] {
	case "run":
		err = runTraffic(os.Args[2:], logger)
	case "analyze":
		err = analyze(os.Args[2:], os.Stdout)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("simulator failed", zap.Error(err))
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runTraffic(args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	target := fs.String("target", "http://localhost:8080", "replica base URL")
	host := fs.String("host", "dos.example.com", "protected host (monitor URI host)")
	ingest := fs.Bool("ingest", false, "report requests to /api/traffic/ingest instead of requesting the protected route")
	goodClients := fs.Int("good-clients", 200, "number of distinct good client addresses")
	goodRate := fs.Float64("good-rate", 50, "good requests per second")
	badIPs := fs.String("bad-ips", "1.1.1.1,1.1.1.2,1.1.1.3", "bad client addresses")
	badRate := fs.Float64("bad-rate", 150, "requests per second per bad client")
	learn := fs.Duration("learn", 60*time.Second, "good-only phase before the attack")
	attack := fs.Duration("attack", 120*time.Second, "attack phase")
	recovery := fs.Duration("recover", 60*time.Second, "good-only phase after the attack")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := NewSimulator(strings.TrimRight(*target, "/"), *host, *ingest, max(*goodClients, 1), splitList(*badIPs), logger)
	phases := []Phase{
		{Name: "learn", Duration: *learn, GoodRate: *goodRate},
		{Name: "attack", Duration: *attack, GoodRate: *goodRate, BadRate: *badRate},
		{Name: "recover", Duration: *recovery, GoodRate: *goodRate},
	}
	for _, p := range phases {
		if ctx.Err() != nil {
			break
		}
		logger.Info("phase started", zap.String("phase", p.Name), zap.Duration("duration", p.Duration))
		sim.RunPhase(ctx, p)
	}
	return nil
}

func analyze(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	logPath := fs.String("log", "-", "security log file, - for stdin")
	stressBound := fs.Float64("stress-bound", 0.6, "stress level considered healthy")
	healthy := fs.Duration("time-to-healthy", 150*time.Second, "maximum time from Attack started to healthy stress")
	badIPs := fs.String("bad-ips", "1.1.1.1,1.1.1.2,1.1.1.3", "addresses that must be reported as bad actors")
	replicas := fs.Int("ready-replicas", 1, "replicas that must report a Ready baseline")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if *logPath != "-" {
		f, err := os.Open(*logPath)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	rep, err := emitter.Analyze(r, *stressBound)
	if err != nil {
		return fmt.Errorf("read security log: %w", err)
	}
	problems := Check(rep, Expectations{
		StressBound:   *stressBound,
		TimeToHealthy: *healthy,
		BadIPs:        splitList(*badIPs),
		ReadyReplicas: *replicas,
	})

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		emitter.Report
		TimeToHealthy string   `json:"time_to_healthy"`
		Problems      []string `json:"problems"`
	}{rep, rep.TimeToHealthy.String(), problems}); err != nil {
		return err
	}
	if len(problems) > 0 {
		return fmt.Errorf("%d expectation(s) failed", len(problems))
	}
	return nil
}
