// Package cli wires the conduit commands: run starts the full system
// (gateway, pipeline workers, delivery hub), submit posts a document to
// a running gateway, status queries a job.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/conduit/internal/event"
	"github.com/yourorg/conduit/internal/gateway"
	"github.com/yourorg/conduit/internal/hub"
	"github.com/yourorg/conduit/internal/metrics"
	"github.com/yourorg/conduit/internal/pipeline"
	"github.com/yourorg/conduit/internal/queue"
	"github.com/yourorg/conduit/internal/store"
)

// Duration parses "30s"-style YAML scalars into time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config maps the YAML config file onto the component configurations.
type Config struct {
	Gateway gateway.Config `yaml:"gateway"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Queue struct {
		Path  string   `yaml:"path"`
		Lease Duration `yaml:"lease"`
	} `yaml:"queue"`

	Pipeline struct {
		Workers       int      `yaml:"workers"`
		PollInterval  Duration `yaml:"poll_interval"`
		StageTimeout  Duration `yaml:"stage_timeout"`
		RetryBackoff  Duration `yaml:"retry_backoff"`
		TerminalTTL   Duration `yaml:"terminal_ttl"`
		PurgeInterval Duration `yaml:"purge_interval"`
	} `yaml:"pipeline"`

	Hub HubConfig `yaml:"hub"`
}

// HubConfig mirrors hub.Config with YAML-friendly durations.
type HubConfig struct {
	MaxConnections      int          `yaml:"max_connections"`
	MinConnections      int          `yaml:"min_connections"`
	ConnectTimeout      Duration     `yaml:"connect_timeout"`
	HealthCheckInterval Duration     `yaml:"health_check_interval"`
	HeartbeatTimeout    Duration     `yaml:"heartbeat_timeout"`
	WriteTimeout        Duration     `yaml:"write_timeout"`
	DrainInterval       Duration     `yaml:"drain_interval"`
	ErrorThreshold      int          `yaml:"error_threshold"`
	Strategy            hub.Strategy `yaml:"load_balancing_strategy"`
	Endpoints           []string     `yaml:"endpoints"`
}

func (h HubConfig) toHub() hub.Config {
	return hub.Config{
		MaxConnections:      h.MaxConnections,
		MinConnections:      h.MinConnections,
		ConnectTimeout:      h.ConnectTimeout.Std(),
		HealthCheckInterval: h.HealthCheckInterval.Std(),
		HeartbeatTimeout:    h.HeartbeatTimeout.Std(),
		WriteTimeout:        h.WriteTimeout.Std(),
		DrainInterval:       h.DrainInterval.Std(),
		ErrorThreshold:      h.ErrorThreshold,
		Strategy:            h.Strategy,
		Endpoints:           h.Endpoints,
	}
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit: an async document pipeline with real-time delivery",
		Long: `Conduit accepts document submissions over HTTP, runs them through a
multi-stage pipeline with durable at-least-once processing, and streams
progress to subscribers over resilient WebSocket connections.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the conduit system",
		Long:  "Start the gateway, pipeline workers, and delivery hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	logger.Info("starting conduit", "config", configFile)

	for _, p := range []string{cfg.Store.Path, cfg.Queue.Path} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open status store: %w", err)
	}
	defer st.Close()

	q, err := queue.Open(cfg.Queue.Path, cfg.Queue.Lease.Std())
	if err != nil {
		return fmt.Errorf("failed to open job queue: %w", err)
	}
	defer q.Close()

	reg := prometheus.NewRegistry()
	pipeMetrics := metrics.NewPipeline(reg)
	hubMetrics := metrics.NewHub(reg)

	pool := hub.NewPool(cfg.Hub.toHub(), hubMetrics, logger.With("component", "hub"))
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start delivery hub: %w", err)
	}
	defer pool.Stop()

	pub := event.NewPublisher(st, logger.With("component", "publisher"))
	pub.AddSink(event.SinkFunc(pool.SendEvent))

	stages, err := pipeline.NewPipeline(pipeline.DocumentStages()...)
	if err != nil {
		return fmt.Errorf("invalid pipeline definition: %w", err)
	}

	runner := pipeline.NewRunner(pipeline.Config{
		Workers:       cfg.Pipeline.Workers,
		PollInterval:  cfg.Pipeline.PollInterval.Std(),
		StageTimeout:  cfg.Pipeline.StageTimeout.Std(),
		RetryBackoff:  cfg.Pipeline.RetryBackoff.Std(),
		TerminalTTL:   cfg.Pipeline.TerminalTTL.Std(),
		PurgeInterval: cfg.Pipeline.PurgeInterval.Std(),
	}, st, q, pub, stages, pipeMetrics, logger.With("component", "pipeline"))
	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline runner: %w", err)
	}
	defer runner.Stop()

	gw := gateway.New(cfg.Gateway, st, q, pool, reg, pipeMetrics,
		logger.With("component", "gateway"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		logger.Info("received shutdown signal, stopping gracefully", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	logger.Info("conduit stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var (
		docFile  string
		ownerID  string
		endpoint string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a document to a running gateway",
		Long:  "Upload a document file; the gateway answers immediately with a job ID to track.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitDocument(endpoint, docFile, ownerID)
		},
	}

	cmd.Flags().StringVarP(&docFile, "file", "f", "", "document file to submit")
	cmd.Flags().StringVar(&ownerID, "owner", "cli", "owner identity for the submission")
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://localhost:8080", "gateway base URL")
	cmd.MarkFlagRequired("file")

	return cmd
}

func submitDocument(endpoint, path, ownerID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("owner_id", ownerID); err != nil {
		return err
	}
	part, err := w.CreateFormFile("file", path)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, endpoint+"/api/v1/jobs", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("gateway rejected submission (%d): %s", resp.StatusCode, respBody)
	}

	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(respBody, &accepted); err != nil {
		return fmt.Errorf("unexpected gateway response: %w", err)
	}

	fmt.Printf("Accepted: job_id=%s\n", accepted.JobID)
	fmt.Printf("Track it with: conduit status %s\n", accepted.JobID)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status",
		Long:  "Query a running gateway for one job's status, progress, and result.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(endpoint, args[0])
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "http://localhost:8080", "gateway base URL")
	return cmd
}

func showStatus(endpoint, jobID string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(endpoint + "/api/v1/jobs/" + jobID)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job %s not found", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, body)
	}

	var job struct {
		JobID      string  `json:"job_id"`
		Status     string  `json:"status"`
		StageIndex int     `json:"stage_index"`
		Progress   float64 `json:"progress_percent"`
		RetryCount int     `json:"retry_count"`
		LastError  string  `json:"last_error"`
		ResultRef  string  `json:"result_ref"`
	}
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("unexpected gateway response: %w", err)
	}

	fmt.Printf("Job:      %s\n", job.JobID)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Stage:    %d\n", job.StageIndex)
	fmt.Printf("Progress: %.1f%%\n", job.Progress)
	if job.RetryCount > 0 {
		fmt.Printf("Retries:  %d\n", job.RetryCount)
	}
	if job.LastError != "" {
		fmt.Printf("Error:    %s\n", job.LastError)
	}
	if job.ResultRef != "" {
		fmt.Printf("Result:   %s\n", job.ResultRef)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/jobs.db"
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "data/queue.db"
	}

	return &cfg, nil
}
