// Package supervisor launches training subprocesses, consumes their event
// streams, and drives run rows through the lifecycle state machine.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/events"
	"github.com/mattjoyce/kiln/internal/fingerprint"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/protocol"
	"github.com/mattjoyce/kiln/internal/store"
	"github.com/mattjoyce/kiln/internal/workspace"
)

// maxLineBytes caps a single runner output line.
const maxLineBytes = 1 << 20

type Supervisor struct {
	layout *workspace.Layout
	store  *store.Store
	hub    *events.Hub
	runner config.RunnerConfig

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cmd       *exec.Cmd
	dir       string
	logger    *slog.Logger
	cancelled atomic.Bool
	// lastState is the most recent status event state from the runner.
	lastState atomic.Value
	done      chan struct{}

	bufMu  sync.Mutex
	buffer *os.File
}

func New(layout *workspace.Layout, st *store.Store, hub *events.Hub, runner config.RunnerConfig) *Supervisor {
	if runner.GracePeriod <= 0 {
		runner.GracePeriod = 5 * time.Second
	}
	return &Supervisor{
		layout: layout,
		store:  st,
		hub:    hub,
		runner: runner,
		active: make(map[string]*activeRun),
	}
}

// StartParams describes a run to launch. Params is handed to the training
// process verbatim inside its config file.
type StartParams struct {
	ProjectID   string
	DatasetID   string
	DatasetPath string
	Name        string
	Params      map[string]any
}

// runConfig is the JSON document written into the run directory and passed
// to the training process via --config.
type runConfig struct {
	RunID       string         `json:"run_id"`
	ProjectID   string         `json:"project_id"`
	DatasetID   string         `json:"dataset_id,omitempty"`
	DatasetPath string         `json:"dataset_path,omitempty"`
	RunDir      string         `json:"run_dir"`
	ArtifactDir string         `json:"artifact_dir"`
	ModelDir    string         `json:"model_dir"`
	Params      map[string]any `json:"params,omitempty"`
}

// StartRun creates the run row, materializes the run directory and config
// file, and spawns the training process. The row is pending until the
// process is confirmed started; a spawn failure finishes it as failed
// without ever passing through running.
func (s *Supervisor) StartRun(ctx context.Context, p StartParams) (*store.Run, error) {
	runID := uuid.NewString()
	runDir, err := s.layout.RunDir(p.ProjectID, runID)
	if err != nil {
		return nil, err
	}
	configPath := filepath.Join(runDir, "config.json")

	run, err := s.store.CreateRun(ctx, store.CreateRunParams{
		ID:         runID,
		ProjectID:  p.ProjectID,
		DatasetID:  p.DatasetID,
		Name:       p.Name,
		ConfigPath: configPath,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.layout.InitRun(p.ProjectID, run.ID); err != nil {
		s.failBeforeStart(ctx, run, fmt.Sprintf("prepare run directory: %v", err))
		return nil, err
	}

	rc := runConfig{
		RunID:       run.ID,
		ProjectID:   p.ProjectID,
		DatasetID:   p.DatasetID,
		DatasetPath: p.DatasetPath,
		RunDir:      runDir,
		ArtifactDir: filepath.Join(runDir, "artifacts"),
		ModelDir:    filepath.Join(runDir, "model"),
		Params:      p.Params,
	}
	if err := writeRunConfig(configPath, &rc); err != nil {
		s.failBeforeStart(ctx, run, err.Error())
		return nil, err
	}

	args := append(append([]string{}, s.runner.Args...), "--config", configPath)
	cmd := exec.Command(s.runner.Command, args...)
	cmd.Dir = runDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.failBeforeStart(ctx, run, fmt.Sprintf("create stdout pipe: %v", err))
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.failBeforeStart(ctx, run, fmt.Sprintf("create stderr pipe: %v", err))
		return nil, err
	}

	buffer, err := os.OpenFile(filepath.Join(runDir, "events.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.failBeforeStart(ctx, run, fmt.Sprintf("open event buffer: %v", err))
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = buffer.Close()
		spawnErr := fmt.Errorf("spawn runner: %w", err)
		s.failBeforeStart(ctx, run, spawnErr.Error())
		return nil, spawnErr
	}

	ar := &activeRun{
		cmd:    cmd,
		dir:    runDir,
		logger: log.WithRun(run.ID),
		done:   make(chan struct{}),
		buffer: buffer,
	}
	s.mu.Lock()
	s.active[run.ID] = ar
	s.mu.Unlock()

	if err := s.store.MarkRunRunning(ctx, run.ID); err != nil {
		// The row is gone or already terminal; kill the fresh process.
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		s.removeActive(run.ID)
		_ = buffer.Close()
		return nil, err
	}
	run.Status = store.RunRunning

	s.hub.Publish(events.TypeRunStarted, run.ID, run)
	ar.logger.Info("run started", "project_id", p.ProjectID, "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.consumeStdout(run, ar, stdout)
	}()
	go func() {
		defer readers.Done()
		s.consumeStderr(run, ar, stderr)
	}()
	go s.await(run, ar, &readers)

	return run, nil
}

// CancelRun asks a running subprocess to stop: SIGTERM, then SIGKILL after
// the grace period. Blocks until the run has fully settled.
func (s *Supervisor) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return fmt.Errorf("run %q already finished with status %q", runID, run.Status)
		}
		return fmt.Errorf("run %q is not supervised by this process", runID)
	}

	ar.cancelled.Store(true)
	ar.logger.Info("cancelling run", "grace", s.runner.GracePeriod)
	if ar.cmd.Process != nil {
		if err := ar.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			ar.logger.Warn("send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(s.runner.GracePeriod)
	defer grace.Stop()

	select {
	case <-ar.done:
	case <-grace.C:
		ar.logger.Warn("runner ignored SIGTERM, sending SIGKILL")
		if ar.cmd.Process != nil {
			if err := ar.cmd.Process.Kill(); err != nil {
				ar.logger.Error("send SIGKILL", "error", err)
			}
		}
		select {
		case <-ar.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ActiveRuns lists the run IDs currently supervised by this process.
func (s *Supervisor) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Wait returns a channel closed when the run settles. Already-settled or
// unknown runs get a closed channel.
func (s *Supervisor) Wait(runID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ar, ok := s.active[runID]; ok {
		return ar.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (s *Supervisor) consumeStdout(run *store.Run, ar *activeRun, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		ev, err := protocol.ParseLine(scanner.Text())
		if err != nil {
			continue
		}
		s.handleEvent(run, ar, ev)
	}
}

func (s *Supervisor) consumeStderr(run *store.Run, ar *activeRun, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ev := protocol.PlainLogEvent(line, "ERROR")
		s.appendToBuffer(ar, ev)
		s.hub.Publish(events.TypeRunError, run.ID, ev)
	}
}

func (s *Supervisor) handleEvent(run *store.Run, ar *activeRun, ev *protocol.Event) {
	s.appendToBuffer(ar, ev)
	ctx := context.Background()

	switch ev.Type {
	case protocol.EventLog:
		s.hub.Publish(events.TypeRunLog, run.ID, ev)
	case protocol.EventMetric:
		s.hub.Publish(events.TypeRunMetric, run.ID, ev)
	case protocol.EventProgress:
		s.hub.Publish(events.TypeRunProgress, run.ID, ev)
	case protocol.EventStatus:
		ar.lastState.Store(ev)
		s.hub.Publish(events.TypeRunStatus, run.ID, ev)
	case protocol.EventDevice:
		if err := s.store.SetRunDevice(ctx, run.ID, ev.Name); err != nil {
			ar.logger.Warn("record device", "error", err)
		}
		s.hub.Publish(events.TypeRunDevice, run.ID, ev)
	case protocol.EventArtifact:
		s.recordArtifact(ctx, run, ar, ev)
	}
}

// recordArtifact resolves the reported path against the run directory,
// fingerprints the file if it exists, and persists the artifact row.
func (s *Supervisor) recordArtifact(ctx context.Context, run *store.Run, ar *activeRun, ev *protocol.Event) {
	path := ev.Path
	if path == "" {
		return
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(ar.dir, path)
	}
	// Prefer the digest the runner computed; hash the file ourselves only
	// when the event omits it.
	hash := ev.SHA256
	if hash == "" {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			if h, err := fingerprint.HashFile(path); err == nil {
				hash = h
			}
		}
	}
	if _, err := s.store.AddRunArtifact(ctx, run.ID, ev.Kind, path, hash); err != nil {
		ar.logger.Warn("record artifact", "path", path, "error", err)
		return
	}
	s.hub.Publish(events.TypeRunArtifact, run.ID, ev)
}

// await settles the run once the process exits and both readers drain.
func (s *Supervisor) await(run *store.Run, ar *activeRun, readers *sync.WaitGroup) {
	readers.Wait()
	waitErr := ar.cmd.Wait()

	status, summary := s.finalStatus(ar, waitErr)
	ctx := context.Background()
	if err := s.store.FinishRun(ctx, run.ID, status, summary); err != nil {
		ar.logger.Error("finish run", "error", err)
	}

	ar.bufMu.Lock()
	_ = ar.buffer.Close()
	ar.bufMu.Unlock()
	s.removeActive(run.ID)
	close(ar.done)

	final, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		final = run
		final.Status = status
	}
	if summary != "" {
		s.hub.Publish(events.TypeRunError, run.ID, map[string]string{"error": summary})
	}
	s.hub.Publish(events.TypeRunCompleted, run.ID, final)
	ar.logger.Info("run completed", "status", string(status), "error", summary)
}

// finalStatus reconciles the runner's own status report, a cancel request,
// and the process exit code. Cancellation wins, then the runner's report,
// then the exit code.
func (s *Supervisor) finalStatus(ar *activeRun, waitErr error) (store.RunStatus, string) {
	if ar.cancelled.Load() {
		return store.RunCancelled, ""
	}
	if v := ar.lastState.Load(); v != nil {
		ev := v.(*protocol.Event)
		switch ev.State {
		case protocol.StatusSucceeded:
			if waitErr == nil {
				return store.RunSucceeded, ""
			}
		case protocol.StatusFailed:
			msg := ev.ErrorDetail
			if msg == "" {
				msg = "runner reported failure"
			}
			return store.RunFailed, msg
		}
	}
	if waitErr != nil {
		return store.RunFailed, waitErr.Error()
	}
	return store.RunSucceeded, ""
}

func (s *Supervisor) failBeforeStart(ctx context.Context, run *store.Run, summary string) {
	if err := s.store.FinishRun(ctx, run.ID, store.RunFailed, summary); err != nil {
		log.WithRun(run.ID).Error("mark run failed", "error", err)
	}
	s.hub.Publish(events.TypeRunError, run.ID, map[string]string{"error": summary})
	s.hub.Publish(events.TypeRunCompleted, run.ID, map[string]string{"run_id": run.ID, "status": string(store.RunFailed)})
}

func (s *Supervisor) appendToBuffer(ar *activeRun, ev *protocol.Event) {
	line, err := protocol.EncodeLine(ev)
	if err != nil {
		return
	}
	ar.bufMu.Lock()
	defer ar.bufMu.Unlock()
	_, _ = fmt.Fprintln(ar.buffer, line)
}

func (s *Supervisor) removeActive(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
}

func writeRunConfig(path string, rc *runConfig) error {
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run config: %w", err)
	}
	return nil
}
