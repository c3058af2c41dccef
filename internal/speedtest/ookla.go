// Package speedtest measures internet throughput by driving the Ookla
// speedtest CLI.
package speedtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"time"

	"github.com/scaneye/scaneye/internal/models"
)

// bytesPerMbit converts the CLI's bandwidth (bytes/s) to Mbps.
const bytesPerMbit = 125000

// Options configures Runner.
type Options struct {
	Binary   string
	ServerID int
	Timeout  time.Duration
}

// Runner executes one measurement per Measure call.
type Runner struct {
	binary   string
	serverID int
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewRunner creates a runner for the speedtest binary.
func NewRunner(opts Options, logger *slog.Logger) *Runner {
	if opts.Binary == "" {
		opts.Binary = "speedtest"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		binary:   opts.Binary,
		serverID: opts.ServerID,
		timeout:  opts.Timeout,
		now:      time.Now,
		logger:   logger.With("component", "speedtest"),
	}
}

// record is one JSON line printed by the CLI.
type record struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`

	Timestamp time.Time `json:"timestamp"`
	Ping      struct {
		Latency float64 `json:"latency"`
	} `json:"ping"`
	Download struct {
		Bandwidth float64 `json:"bandwidth"`
	} `json:"download"`
	Upload struct {
		Bandwidth float64 `json:"bandwidth"`
	} `json:"upload"`
	ISP    string `json:"isp"`
	Server struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	} `json:"server"`
}

// Measure runs the CLI and returns the measurement.
func (r *Runner) Measure(ctx context.Context) (models.SpeedResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{"--format=json", "--accept-license", "--accept-gdpr"}
	if r.serverID > 0 {
		args = append(args, "--server-id="+strconv.Itoa(r.serverID))
	}
	cmd := exec.CommandContext(execCtx, r.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	r.logger.DebugContext(ctx, "Running speed test", "server_id", r.serverID)
	start := time.Now()

	err := cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return models.SpeedResult{}, &models.ExecutorError{Executor: "speedtest", Err: fmt.Errorf("timed out after %v", r.timeout)}
	}

	result, parseErr := r.parse(stdout.Bytes())
	if err != nil {
		// The CLI reports failures as JSON log records on stdout.
		if parseErr != nil {
			err = fmt.Errorf("%w: %v", err, parseErr)
		}
		r.logger.WarnContext(ctx, "Speed test execution failed", "error", err, "stderr", stderr.String())
		return models.SpeedResult{}, &models.ExecutorError{Executor: "speedtest", Err: err}
	}
	if parseErr != nil {
		return models.SpeedResult{}, &models.ExecutorError{Executor: "speedtest", Err: parseErr}
	}

	r.logger.InfoContext(ctx, "Speed test finished",
		"download_mbps", result.DownloadMbps,
		"upload_mbps", result.UploadMbps,
		"ping_ms", result.PingMs,
		"server", result.Server,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// parse picks the result record out of the CLI output. An error-level log
// record wins over a missing result.
func (r *Runner) parse(out []byte) (models.SpeedResult, error) {
	var logErr error
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		switch rec.Type {
		case "result":
			ts := rec.Timestamp
			if ts.IsZero() {
				ts = r.now()
			}
			return models.SpeedResult{
				DownloadMbps: round(rec.Download.Bandwidth/bytesPerMbit, 2),
				UploadMbps:   round(rec.Upload.Bandwidth/bytesPerMbit, 2),
				PingMs:       math.Round(rec.Ping.Latency),
				ISP:          rec.ISP,
				Server:       rec.Server.Name,
				Timestamp:    ts.UTC(),
			}, nil
		case "log":
			if rec.Level == "error" && logErr == nil {
				logErr = errors.New(rec.Message)
			}
		}
	}

	if logErr != nil {
		return models.SpeedResult{}, logErr
	}
	return models.SpeedResult{}, errors.New("no result in speedtest output")
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
