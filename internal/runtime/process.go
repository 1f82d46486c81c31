// Process supervision for the Lazy Runtime (C5): one agent worker per OS
// process, tracked through a PID file plus a sidecar metadata file so a
// restarted swarmd supervisor can tell "my agent is still running" apart
// from "some unrelated process reused that PID" before trusting it.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"swarmcore/internal/async"
	"swarmcore/internal/logging"
)

// killGrace bounds how long a stopped agent gets to exit after SIGTERM
// before ProcessManager escalates to SIGKILL.
const killGrace = 5 * time.Second

// rapidRestartWindow: a restart inside this window of the previous one is
// logged as a warning, since it usually means the agent is crash-looping
// rather than recovering from a transient fault.
const rapidRestartWindow = 10 * time.Second

// AgentProcess is one agent worker subprocess under supervision.
type AgentProcess struct {
	AgentID   string
	PIDFile   string
	MetaFile  string
	LogFile   string
	Cmd       *exec.Cmd
	PID       int
	PGID      int
	StartedAt time.Time
	Restarts  int // times this agent ID has been (re)started this manager's lifetime

	logHandle *os.File
}

// ProcessManager launches, tracks, and reaps agent worker subprocesses for
// the Lazy Runtime's process/lazy modes, identifying each by agent ID
// rather than PID (PIDs get recycled by the OS; agent IDs don't).
type ProcessManager struct {
	pidDir string
	logDir string
	log    logging.Logger

	mu       sync.Mutex
	tracked  map[string]*AgentProcess
	restarts map[string]int
}

// NewProcessManager creates a process manager rooted at pidDir/logDir.
func NewProcessManager(pidDir, logDir string) *ProcessManager {
	return &ProcessManager{
		pidDir:   pidDir,
		logDir:   logDir,
		log:      logging.Get("runtime.process"),
		tracked:  make(map[string]*AgentProcess),
		restarts: make(map[string]int),
	}
}

// Start launches cmd as agentID's worker process, superseding any previous
// instance tracked under that ID (the caller, typically Runtime.EnsureRunning,
// is expected to have already confirmed none is alive).
func (m *ProcessManager) Start(ctx context.Context, agentID string, cmd *exec.Cmd) (*AgentProcess, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.pidDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	logFile := filepath.Join(m.logDir, agentID+".log")
	logHandle, err := attachLogFile(cmd, logFile)
	if err != nil {
		return nil, err
	}

	if prev, wasTracked := m.tracked[agentID]; wasTracked {
		if time.Since(prev.StartedAt) < rapidRestartWindow {
			m.log.Warn("agent %s restarting %s after previous launch, possible crash loop", agentID, time.Since(prev.StartedAt))
		}
	}

	if err := cmd.Start(); err != nil {
		if logHandle != nil {
			_ = logHandle.Close()
		}
		return nil, fmt.Errorf("start agent %s: %w", agentID, err)
	}

	pid := cmd.Process.Pid
	pgid, _ := syscall.Getpgid(pid)
	identity, err := processCommandLine(pid)
	if err != nil || identity == "" {
		identity = commandIdentityFromCmd(cmd)
	}

	pidFile := filepath.Join(m.pidDir, agentID+".pid")
	ap := &AgentProcess{
		AgentID:   agentID,
		PIDFile:   pidFile,
		MetaFile:  pidMetaFile(pidFile),
		LogFile:   logFile,
		Cmd:       cmd,
		PID:       pid,
		PGID:      pgid,
		StartedAt: time.Now(),
		logHandle: logHandle,
	}

	if err := writePIDState(ap.PIDFile, ap.MetaFile, pid, identity); err != nil {
		_ = cmd.Process.Kill()
		if logHandle != nil {
			_ = logHandle.Close()
		}
		return nil, fmt.Errorf("write pid state for agent %s: %w", agentID, err)
	}

	m.restarts[agentID]++
	ap.Restarts = m.restarts[agentID]
	m.tracked[agentID] = ap

	async.Go(m.log, "process-wait:"+agentID, func() {
		_ = cmd.Wait()
		if ap.logHandle != nil {
			_ = ap.logHandle.Close()
		}
		m.reapIfCurrent(agentID, ap)
	})

	return ap, nil
}

// reapIfCurrent drops agentID from tracking and cleans up its PID files,
// but only if ap is still the instance we started (a newer Start may have
// already replaced it by the time this one's Cmd.Wait returns).
func (m *ProcessManager) reapIfCurrent(agentID string, ap *AgentProcess) {
	m.mu.Lock()
	current, tracked := m.tracked[agentID]
	stale := tracked && current == ap
	if stale {
		delete(m.tracked, agentID)
	}
	m.mu.Unlock()
	if stale {
		cleanupPIDState(ap.PIDFile, ap.MetaFile)
	}
}

// Stop terminates agentID's worker, whether it is tracked in this
// ProcessManager instance or only known from a PID file left by an earlier
// supervisor run (see Recover).
func (m *ProcessManager) Stop(_ context.Context, agentID string) error {
	m.mu.Lock()
	ap, tracked := m.tracked[agentID]
	m.mu.Unlock()

	if tracked && ap.Cmd != nil && ap.Cmd.Process != nil {
		return m.killProcessGroup(ap.PGID, ap.PID, ap.PIDFile)
	}

	pid, pgid, pidFile, _, ok := m.resolveFromDisk(agentID)
	if !ok {
		return nil
	}
	return m.killProcessGroup(pgid, pid, pidFile)
}

// IsRunning reports whether agentID has a live, identity-verified worker
// process, whether tracked in-process or recovered from disk.
func (m *ProcessManager) IsRunning(agentID string) (bool, int) {
	m.mu.Lock()
	ap, tracked := m.tracked[agentID]
	m.mu.Unlock()

	if tracked && ap.Cmd != nil && ap.Cmd.Process != nil {
		if isProcessAlive(ap.PID) {
			return true, ap.PID
		}
		return false, 0
	}

	pid, _, _, _, ok := m.resolveFromDisk(agentID)
	if !ok {
		return false, 0
	}
	return true, pid
}

// Recover rebuilds tracking for agentID from its PID file, for a supervisor
// that restarted and wants to reattach to agents a previous instance
// launched rather than duplicate-launch them.
func (m *ProcessManager) Recover(agentID string) (*AgentProcess, error) {
	pid, pgid, pidFile, metaFile, ok := m.resolveFromDisk(agentID)
	if !ok {
		return nil, fmt.Errorf("recover agent %s: no live, identity-verified process on disk", agentID)
	}

	ap := &AgentProcess{
		AgentID:  agentID,
		PIDFile:  pidFile,
		MetaFile: metaFile,
		LogFile:  filepath.Join(m.logDir, agentID+".log"),
		PID:      pid,
		PGID:     pgid,
	}

	m.mu.Lock()
	m.tracked[agentID] = ap
	m.mu.Unlock()

	return ap, nil
}

// StopAll stops every in-process-tracked agent, collecting but not
// short-circuiting on individual failures so one stuck agent doesn't block
// shutdown of the rest.
func (m *ProcessManager) StopAll(_ context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var lastErr error
	for _, id := range ids {
		if err := m.Stop(context.Background(), id); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// resolveFromDisk looks up agentID's PID/meta files on disk (the path taken
// when this manager instance never Start'd the process itself) and verifies
// the process is both alive and still the same command line recorded at
// launch, cleaning up stale files along the way.
func (m *ProcessManager) resolveFromDisk(agentID string) (pid, pgid int, pidFile, metaFile string, ok bool) {
	pidFile = filepath.Join(m.pidDir, agentID+".pid")
	metaFile = pidMetaFile(pidFile)

	pid, err := readPIDFile(pidFile)
	if err != nil {
		return 0, 0, pidFile, metaFile, false
	}
	if !isProcessAlive(pid) {
		cleanupPIDState(pidFile, metaFile)
		return 0, 0, pidFile, metaFile, false
	}
	if !identityMatches(metaFile, pid) {
		cleanupPIDState(pidFile, metaFile)
		return 0, 0, pidFile, metaFile, false
	}

	pgid, err = syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	return pid, pgid, pidFile, metaFile, true
}

// killProcessGroup sends SIGTERM to the process group (or bare PID if no
// group was recorded), waits up to killGrace for a clean exit, and escalates
// to SIGKILL if the agent didn't finish its shutdown in time.
func (m *ProcessManager) killProcessGroup(pgid, pid int, pidFile string) error {
	metaFile := pidMetaFile(pidFile)
	target := -pgid
	if pgid == 0 {
		target = pid
	}

	_ = syscall.Kill(target, syscall.SIGTERM)

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			cleanupPIDState(pidFile, metaFile)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	_ = syscall.Kill(target, syscall.SIGKILL)
	cleanupPIDState(pidFile, metaFile)
	return nil
}

func attachLogFile(cmd *exec.Cmd, logFile string) (*os.File, error) {
	if cmd.Stdout != nil {
		return nil, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f
	return f, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	firstLine := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
	firstLine = strings.TrimPrefix(strings.TrimSpace(firstLine), "pid=")
	return strconv.Atoi(firstLine)
}

// pidMetadata records the command line an agent was launched with, so a
// later identityMatches check can tell "same agent, still running" apart
// from "PID recycled by an unrelated process".
type pidMetadata struct {
	Command string `json:"command"`
}

func pidMetaFile(pidFile string) string {
	return pidFile + ".meta"
}

func writePIDState(pidFile, metaFile string, pid int, identity string) error {
	if err := atomicWriteFile(pidFile, []byte(strconv.Itoa(pid))); err != nil {
		return err
	}
	if strings.TrimSpace(identity) == "" {
		return nil
	}
	return writePIDMetadata(metaFile, identity)
}

func writePIDMetadata(path, identity string) error {
	meta := pidMetadata{Command: normalizeCommandLine(identity)}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

func readPIDMetadata(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var meta pidMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", err
	}
	return normalizeCommandLine(meta.Command), nil
}

func cleanupPIDState(pidFile, metaFile string) {
	_ = os.Remove(pidFile)
	_ = os.Remove(metaFile)
}

func identityMatches(metaFile string, pid int) bool {
	actual, err := processCommandLine(pid)
	if err != nil {
		return false
	}

	expected, err := readPIDMetadata(metaFile)
	if err != nil {
		// No metadata sidecar on disk (pre-metadata PID file, or one written
		// by an older build): adopt the live process's identity rather than
		// refuse to recover it.
		_ = writePIDMetadata(metaFile, actual)
		return true
	}

	return normalizeCommandLine(expected) == normalizeCommandLine(actual)
}

func processCommandLine(pid int) (string, error) {
	out, err := exec.Command("ps", "-ww", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", err
	}
	line := normalizeCommandLine(string(out))
	if line == "" {
		return "", fmt.Errorf("empty command line for pid %d", pid)
	}
	return line, nil
}

func commandIdentityFromCmd(cmd *exec.Cmd) string {
	if cmd == nil {
		return ""
	}
	if len(cmd.Args) > 0 {
		return normalizeCommandLine(strings.Join(cmd.Args, " "))
	}
	return normalizeCommandLine(cmd.Path)
}

func normalizeCommandLine(command string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(command)), " ")
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
