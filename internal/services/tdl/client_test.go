package tdl

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"plexbot/internal/testsupport"
)

type scriptedExecutor struct {
	lines   []string
	err     error
	binary  string
	args    []string
	env     []string
	blockOn bool
}

func (s *scriptedExecutor) Run(ctx context.Context, binary string, args []string, env []string, onLine func(string)) error {
	s.binary = binary
	s.args = args
	s.env = env
	for _, line := range s.lines {
		onLine(line)
	}
	if s.blockOn {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func newTestClient(t *testing.T, exec Executor) (*Client, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	client, err := New(cfg, WithExecutor(exec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "dest")
	return client, dest
}

func TestFetchBuildsArgv(t *testing.T) {
	exec := &scriptedExecutor{}
	client, dest := newTestClient(t, exec)

	result := client.Fetch(context.Background(), Request{
		Source:      "https://t.me/c/1234/56",
		Destination: dest,
		Grouped:     true,
	}, nil)
	if result.Kind != ResultSucceeded {
		t.Fatalf("expected success, got %+v", result)
	}

	argv := strings.Join(exec.args, " ")
	for _, want := range []string{
		"dl",
		"-u https://t.me/c/1234/56",
		"-d " + dest,
		"--reconnect-timeout 0",
		"--template {{ .FileName }}",
		"--group",
	} {
		if !strings.Contains(argv, want) {
			t.Errorf("argv missing %q: %s", want, argv)
		}
	}
}

func TestFetchUngroupedOmitsGroupFlag(t *testing.T) {
	exec := &scriptedExecutor{}
	client, dest := newTestClient(t, exec)

	client.Fetch(context.Background(), Request{Source: "https://t.me/c/1/2", Destination: dest}, nil)
	for _, arg := range exec.args {
		if arg == "--group" {
			t.Fatal("--group must only be passed for grouped sources")
		}
	}
}

func TestFetchRejectsEmptyInputs(t *testing.T) {
	exec := &scriptedExecutor{}
	client, dest := newTestClient(t, exec)

	if result := client.Fetch(context.Background(), Request{Destination: dest}, nil); result.Kind != ResultFailed {
		t.Fatalf("expected failure for empty source, got %+v", result)
	}
	if result := client.Fetch(context.Background(), Request{Source: "x"}, nil); result.Kind != ResultFailed {
		t.Fatalf("expected failure for empty destination, got %+v", result)
	}
}

func TestFetchReportsMonotonicProgress(t *testing.T) {
	exec := &scriptedExecutor{lines: []string{
		"downloading... 10%",
		"downloading... 45%",
		"internal bar resets 20%",
		"downloading... 80%",
		"no progress on this line",
	}}
	client, dest := newTestClient(t, exec)

	var percents []float64
	result := client.Fetch(context.Background(), Request{Source: "x", Destination: dest}, func(update ProgressUpdate) {
		percents = append(percents, update.Percent)
	})
	if result.Kind != ResultSucceeded {
		t.Fatalf("expected success, got %+v", result)
	}

	// 20% regresses below 45% and must be suppressed; a final 100% is always
	// emitted on success.
	want := []float64{10, 45, 80, 100}
	if len(percents) != len(want) {
		t.Fatalf("expected %v, got %v", want, percents)
	}
	for i := range want {
		if percents[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, percents)
		}
	}
}

func TestFetchParsesItemCounts(t *testing.T) {
	exec := &scriptedExecutor{lines: []string{"[2/5] file.mkv 30%"}}
	client, dest := newTestClient(t, exec)

	var updates []ProgressUpdate
	client.Fetch(context.Background(), Request{Source: "x", Destination: dest}, func(update ProgressUpdate) {
		updates = append(updates, update)
	})
	if len(updates) < 1 {
		t.Fatal("expected at least one update")
	}
	first := updates[0]
	if first.ItemsDone != 2 || first.ItemsTotal != 5 || first.Percent != 30 {
		t.Fatalf("unexpected update: %+v", first)
	}
}

func TestFetchFailureCarriesOutputTail(t *testing.T) {
	exec := &scriptedExecutor{
		lines: []string{"connecting", "fatal: flood wait"},
		err:   errors.New("exit status 1"),
	}
	client, dest := newTestClient(t, exec)

	result := client.Fetch(context.Background(), Request{Source: "x", Destination: dest}, nil)
	if result.Kind != ResultFailed {
		t.Fatalf("expected failure, got %+v", result)
	}
	if !strings.Contains(result.Reason, "flood wait") {
		t.Fatalf("expected diagnostic tail, got %q", result.Reason)
	}
}

func TestFetchDetectsUnresolvedSource(t *testing.T) {
	exec := &scriptedExecutor{
		lines: []string{"rpc error: CHAT_INVALID"},
		err:   errors.New("exit status 1"),
	}
	client, dest := newTestClient(t, exec)

	result := client.Fetch(context.Background(), Request{Source: "x", Destination: dest}, nil)
	if result.Kind != ResultUnresolved {
		t.Fatalf("expected unresolved, got %+v", result)
	}
}

func TestFetchCancelledContext(t *testing.T) {
	exec := &scriptedExecutor{blockOn: true}
	client, dest := newTestClient(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- client.Fetch(ctx, Request{Source: "x", Destination: dest}, nil)
	}()
	cancel()

	result := <-done
	if result.Kind != ResultCancelled {
		t.Fatalf("expected cancelled, got %+v", result)
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line string
		ok   bool
		want ProgressUpdate
	}{
		{"downloading 42%", true, ProgressUpdate{Percent: 42}},
		{"bar1 10% bar2 55%", true, ProgressUpdate{Percent: 55}},
		{"[3/7] episode.mkv", true, ProgressUpdate{ItemsDone: 3, ItemsTotal: 7}},
		{"claims 250% done", true, ProgressUpdate{Percent: 100}},
		{"9/0 nonsense", false, ProgressUpdate{}},
		{"plain log line", false, ProgressUpdate{}},
	}
	for _, tc := range cases {
		got, ok := parseProgress(tc.line)
		if ok != tc.ok {
			t.Errorf("parseProgress(%q) ok = %v, want %v", tc.line, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if got.Percent != tc.want.Percent || got.ItemsDone != tc.want.ItemsDone || got.ItemsTotal != tc.want.ItemsTotal {
			t.Errorf("parseProgress(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestIdleWatchdogFailsSilentTransfers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Downloader.IdleTimeout = 1 // seconds; the watchdog cancels the run context
	exec := &scriptedExecutor{blockOn: true}
	client, err := New(cfg, WithExecutor(exec))
	if err != nil {
		t.Fatal(err)
	}

	result := client.Fetch(context.Background(), Request{Source: "x", Destination: t.TempDir()}, nil)
	if result.Kind != ResultFailed {
		t.Fatalf("expected idle failure, got %+v", result)
	}
	if !strings.Contains(result.Reason, "no output") {
		t.Fatalf("expected idle diagnostic, got %q", result.Reason)
	}
}
