package tdl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"plexbot/internal/config"
)

// ProgressUpdate captures tdl progress output.
type ProgressUpdate struct {
	Percent    float64
	ItemsDone  int
	ItemsTotal int
	Message    string
}

// ResultKind classifies how an execution ended.
type ResultKind string

const (
	ResultSucceeded  ResultKind = "succeeded"
	ResultFailed     ResultKind = "failed"
	ResultCancelled  ResultKind = "cancelled"
	ResultUnresolved ResultKind = "unresolved"
)

// Result is the terminal outcome of one execution. The adapter never
// propagates errors across the worker boundary; everything ends here.
type Result struct {
	Kind   ResultKind
	Reason string
}

// Request describes one fetch invocation.
type Request struct {
	Source      string
	Destination string
	Grouped     bool
}

// Fetcher defines the behaviour required by the download scheduler.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, progress func(ProgressUpdate)) Result
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, env []string, onLine func(string)) error
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client wraps tdl CLI interactions.
type Client struct {
	binary      string
	home        string
	threads     int
	limit       int
	idleTimeout time.Duration
	exec        Executor
}

var _ Fetcher = (*Client)(nil)

// New constructs a tdl client from configuration.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	binary := strings.TrimSpace(cfg.Downloader.Binary)
	if binary == "" {
		return nil, errors.New("tdl binary required")
	}
	client := &Client{
		binary:      binary,
		home:        cfg.Downloader.Home,
		threads:     cfg.Downloader.Threads,
		limit:       cfg.Downloader.ConnectionLimit,
		idleTimeout: time.Duration(cfg.Downloader.IdleTimeout) * time.Second,
		exec:        commandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

var (
	pctRe   = regexp.MustCompile(`(\d{1,3})(?:\.\d+)?%`)
	itemsRe = regexp.MustCompile(`(?:^|[\s\[])(\d{1,3})/(\d{1,3})(?:[\]\s]|$)`)
)

// Markers in tool output that indicate the source reference itself could not
// be resolved, as opposed to a transfer failure.
var unresolvedMarkers = []string{
	"chat_invalid",
	"peer not found",
	"message not found",
	"no such message",
	"failed to resolve",
	"no metadata",
}

const tailLimit = 8

// Fetch runs the external tool for one task. The source and destination are
// passed as argv entries, never through a shell, and output filenames are
// whatever the tool reports. Cancellation kills the subprocess; Fetch only
// returns after the process has stopped.
func (c *Client) Fetch(ctx context.Context, req Request, progress func(ProgressUpdate)) Result {
	if strings.TrimSpace(req.Source) == "" {
		return Result{Kind: ResultFailed, Reason: "empty source reference"}
	}
	if strings.TrimSpace(req.Destination) == "" {
		return Result{Kind: ResultFailed, Reason: "empty destination"}
	}
	if err := os.MkdirAll(req.Destination, 0o755); err != nil {
		return Result{Kind: ResultFailed, Reason: fmt.Sprintf("prepare destination: %v", err)}
	}

	args := []string{
		"dl",
		"-u", req.Source,
		"-d", req.Destination,
		"-t", strconv.Itoa(c.threads),
		"-l", strconv.Itoa(c.limit),
		"--reconnect-timeout", "0",
		"--template", "{{ .FileName }}",
	}
	if req.Grouped {
		args = append(args, "--group")
	}

	var env []string
	if c.home != "" {
		env = append(os.Environ(), "TDL_HOME="+c.home)
	}

	runCtx := ctx
	var idleCancel context.CancelFunc
	var watchdog *idleWatchdog
	if c.idleTimeout > 0 {
		runCtx, idleCancel = context.WithCancel(ctx)
		defer idleCancel()
		watchdog = newIdleWatchdog(c.idleTimeout, idleCancel)
		defer watchdog.stop()
	}

	var (
		mu          sync.Mutex
		tail        []string
		lastPercent = -1.0
	)
	onLine := func(line string) {
		if watchdog != nil {
			watchdog.reset()
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		mu.Lock()
		tail = append(tail, line)
		if len(tail) > tailLimit {
			tail = tail[1:]
		}
		mu.Unlock()

		if progress == nil {
			return
		}
		update, ok := parseProgress(line)
		if !ok {
			return
		}
		// Multiple internal bars can make raw percentages regress; keep the
		// forwarded stream monotonic.
		if update.Percent > 0 {
			mu.Lock()
			if update.Percent < lastPercent {
				mu.Unlock()
				return
			}
			lastPercent = update.Percent
			mu.Unlock()
		}
		progress(update)
	}

	err := c.exec.Run(runCtx, c.binary, args, env, onLine)

	mu.Lock()
	diagnostic := strings.Join(tail, " | ")
	mu.Unlock()

	switch {
	case ctx.Err() != nil:
		return Result{Kind: ResultCancelled, Reason: "cancelled"}
	case watchdog != nil && watchdog.fired():
		return Result{Kind: ResultFailed, Reason: fmt.Sprintf("no output for %s: %s", c.idleTimeout, diagnostic)}
	case err != nil:
		if isUnresolved(diagnostic) {
			return Result{Kind: ResultUnresolved, Reason: diagnostic}
		}
		if diagnostic == "" {
			diagnostic = err.Error()
		}
		return Result{Kind: ResultFailed, Reason: diagnostic}
	}

	if progress != nil {
		progress(ProgressUpdate{Percent: 100, Message: "done"})
	}
	return Result{Kind: ResultSucceeded}
}

func isUnresolved(diagnostic string) bool {
	lowered := strings.ToLower(diagnostic)
	for _, marker := range unresolvedMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// parseProgress extracts percent and item-count tuples from one output line.
// Malformed lines report ok=false and are ignored by the caller.
func parseProgress(line string) (ProgressUpdate, bool) {
	var update ProgressUpdate
	matched := false

	if m := pctRe.FindAllStringSubmatch(line, -1); len(m) > 0 {
		// Take the last percent on the line; tdl prints per-connection bars first.
		raw := m[len(m)-1][1]
		if pct, err := strconv.ParseFloat(raw, 64); err == nil {
			if pct > 100 {
				pct = 100
			}
			update.Percent = pct
			matched = true
		}
	}
	if m := itemsRe.FindStringSubmatch(line); m != nil {
		done, errDone := strconv.Atoi(m[1])
		total, errTotal := strconv.Atoi(m[2])
		if errDone == nil && errTotal == nil && total > 0 && done <= total {
			update.ItemsDone = done
			update.ItemsTotal = total
			matched = true
		}
	}
	if !matched {
		return ProgressUpdate{}, false
	}
	update.Message = line
	return update, true
}

type idleWatchdog struct {
	timer *time.Timer
	d     time.Duration

	mu      sync.Mutex
	expired bool
}

func newIdleWatchdog(d time.Duration, onExpire context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{d: d}
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		w.expired = true
		w.mu.Unlock()
		onExpire()
	})
	return w
}

func (w *idleWatchdog) reset() {
	w.timer.Reset(w.d)
}

func (w *idleWatchdog) stop() {
	w.timer.Stop()
}

func (w *idleWatchdog) fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, env []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	if len(env) > 0 {
		cmd.Env = env
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)

	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("scan output: %w", scanErr)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}
