//go:build !windows

package cli

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/allyourbase/jobq/internal/testutil"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestServeStartsAndStopsOnSignal(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("NO_COLOR", "1")
	port := freePort(t)

	resetFlags(rootCmd)
	defer resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"serve", "--host", "127.0.0.1", "--port", strconv.Itoa(port), "--workers", "1"})
	errCh := make(chan error, 1)
	go func() { errCh <- rootCmd.Execute() }()

	health := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		resp, err := http.Get(health)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "server should answer /health")

	// Admin routes require the generated password.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/admin/queues", port))
	testutil.NoError(t, err)
	resp.Body.Close()
	testutil.StatusCode(t, http.StatusUnauthorized, resp.StatusCode)

	testutil.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
	select {
	case err := <-errCh:
		testutil.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down after SIGINT")
	}
}
