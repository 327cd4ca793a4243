package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/allyourbase/jobq/internal/config"
	"github.com/allyourbase/jobq/internal/jobs"
	"github.com/allyourbase/jobq/internal/server"
	"github.com/allyourbase/jobq/internal/testutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// resetFlags restores every flag in the command tree to its default so
// values set by one test do not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// captureStdout returns everything fn writes to os.Stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	done := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(r)
		done <- b
	}()

	fn()

	w.Close()
	os.Stdout = old
	out := <-done
	r.Close()
	return string(out)
}

// run executes the root command with args and returns stdout and the error.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Setenv("NO_COLOR", "1")
	var err error
	out := captureStdout(t, func() {
		rootCmd.SetArgs(args)
		err = rootCmd.Execute()
	})
	return out, err
}

type testServer struct {
	url     string
	manager *jobs.Manager
	svc     *jobs.Service
}

// newTestServer serves the real admin API over in-memory queues.
func newTestServer(t *testing.T, password string, modify ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Admin.Password = password
	for _, m := range modify {
		m(cfg)
	}
	logger := testutil.DiscardLogger()
	backends := jobs.NewBackends(cfg, logger)
	manager := jobs.NewManager(backends.Factory(), jobs.ManagerConfig{
		DefaultQueue: cfg.Queue.DefaultQueue,
		Known:        cfg.QueueNames(),
	}, logger)
	svcCfg := jobs.DefaultServiceConfig()
	svcCfg.WorkerConcurrency = 0
	svcCfg.SchedulerEnabled = false
	svc := jobs.NewService(manager, logger, svcCfg)

	ts := httptest.NewServer(server.New(cfg, logger, manager, svc).Router())
	t.Cleanup(func() {
		ts.Close()
		_ = manager.Shutdown(context.Background())
		backends.Close()
	})
	return &testServer{url: ts.URL, manager: manager, svc: svc}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	defer SetVersion("dev", "none", "unknown")
	testutil.Equal(t, "1.2.3", buildVersion)
	testutil.Equal(t, "abc123", buildCommit)
	testutil.Equal(t, "2026-01-01", buildDate)
}

func TestVersionCommand(t *testing.T) {
	SetVersion("0.4.0", "deadbeef", "2026-09-30")
	defer SetVersion("dev", "none", "unknown")

	out, err := run(t, "version")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "jobq 0.4.0")
	testutil.Contains(t, out, "deadbeef")

	out, err = run(t, "version", "--json")
	testutil.NoError(t, err)
	var v map[string]string
	testutil.NoError(t, json.Unmarshal([]byte(out), &v))
	testutil.Equal(t, "0.4.0", v["version"])
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "jobs", "queues", "schedules", "logs", "stats", "config", "version"} {
		testutil.True(t, names[want], "expected subcommand %q", want)
	}
}

func TestEveryCommandHasAGroup(t *testing.T) {
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			continue
		}
		testutil.True(t, cmd.GroupID != "", "command %q has no help group", cmd.Name())
	}
}

func TestStyledHelpListsGroups(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetErr(&buf)
	defer rootCmd.SetErr(nil)
	t.Setenv("NO_COLOR", "1")

	styledHelp(rootCmd, nil)
	out := buf.String()
	for _, want := range []string{"SERVER", "QUEUES & JOBS", "CONFIGURATION", "serve", "JOBQ_ADMIN_TOKEN", "--output"} {
		testutil.Contains(t, out, want)
	}
}

func TestOutputFormat(t *testing.T) {
	resetFlags(rootCmd)
	testutil.Equal(t, "table", outputFormat(rootCmd))
	testutil.NoError(t, rootCmd.PersistentFlags().Set("output", "csv"))
	testutil.Equal(t, "csv", outputFormat(rootCmd))
	testutil.NoError(t, rootCmd.PersistentFlags().Set("json", "true"))
	testutil.Equal(t, "json", outputFormat(rootCmd))
	resetFlags(rootCmd)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	testutil.NoError(t, writeCSV(&buf, []string{"id", "name"}, [][]string{{"1", "a,b"}}))
	testutil.Equal(t, "id,name\n1,\"a,b\"\n", buf.String())
}

func TestConfigCommandProducesValidTOML(t *testing.T) {
	chdir(t, t.TempDir())

	out, err := run(t, "config")
	testutil.NoError(t, err)
	var parsed map[string]any
	testutil.NoError(t, toml.Unmarshal([]byte(out), &parsed))
	for _, section := range []string{"server", "queue", "redis", "worker"} {
		_, ok := parsed[section]
		testutil.True(t, ok, "expected [%s] in config output", section)
	}
}

func TestConfigSetGetAndInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobq.toml")

	out, err := run(t, "config", "init", "--config", path)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "Wrote")
	_, err = run(t, "config", "init", "--config", path)
	testutil.ErrorContains(t, err, "already exists")

	_, err = run(t, "config", "set", "worker.concurrency", "9", "--config", path)
	testutil.NoError(t, err)
	out, err = run(t, "config", "get", "worker.concurrency", "--config", path)
	testutil.NoError(t, err)
	testutil.Equal(t, "9", strings.TrimSpace(out))

	_, err = run(t, "config", "set", "nope.key", "1", "--config", path)
	testutil.ErrorContains(t, err, "unknown configuration key")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (testing.T.Chdir needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
