package cli

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/allyourbase/jobq/internal/testutil"
	"github.com/spf13/cobra"
)

func TestServerURLResolution(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("url", "", "")

	t.Setenv("JOBQ_URL", "")
	testutil.Equal(t, defaultServerURL, serverURL(cmd))

	t.Setenv("JOBQ_URL", "http://queue.internal:9000/")
	testutil.Equal(t, "http://queue.internal:9000", serverURL(cmd))

	testutil.NoError(t, cmd.Flags().Set("url", "http://flag:1"))
	testutil.Equal(t, "http://flag:1", serverURL(cmd))
}

func TestAdminTokenPrefersFlag(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("admin-token", "", "")
	cmd.Flags().String("url", "", "")
	t.Setenv("JOBQ_ADMIN_TOKEN", "from-env")
	t.Setenv("JOBQ_ADMIN_PASSWORD", "")

	testutil.Equal(t, "from-env", adminToken(cmd))
	testutil.NoError(t, cmd.Flags().Set("admin-token", "from-flag"))
	testutil.Equal(t, "from-flag", adminToken(cmd))
}

func TestServerError(t *testing.T) {
	err := serverError(http.StatusServiceUnavailable, []byte(`{"code":503,"message":"queue is full","error_code":"QUEUE_FULL"}`))
	testutil.Equal(t, "server error (503, QUEUE_FULL): queue is full", err.Error())

	err = serverError(http.StatusNotFound, []byte(`{"code":404,"message":"job not found"}`))
	testutil.Equal(t, "server error (404): job not found", err.Error())

	err = serverError(http.StatusBadGateway, []byte("upstream down\n"))
	testutil.Equal(t, "server error (502): upstream down", err.Error())

	testutil.ErrorContains(t, serverError(http.StatusUnauthorized, nil), "JOBQ_ADMIN_TOKEN")
}

func TestAdminAuthRequired(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	t.Setenv("JOBQ_ADMIN_TOKEN", "")
	t.Setenv("JOBQ_ADMIN_PASSWORD", "")

	_, err := run(t, "queues", "list", "--url", ts.url)
	testutil.ErrorContains(t, err, "authentication required")

	token, err := adminLogin(ts.url, "s3cret")
	testutil.NoError(t, err)
	out, err := run(t, "queues", "list", "--url", ts.url, "--admin-token", token)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "default")

	_, err = adminLogin(ts.url, "wrong")
	testutil.ErrorContains(t, err, "401")
}

func TestAdminPasswordEnvLogsIn(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	t.Setenv("JOBQ_ADMIN_TOKEN", "")
	t.Setenv("JOBQ_ADMIN_PASSWORD", "s3cret")

	out, err := run(t, "queues", "list", "--url", ts.url)
	testutil.NoError(t, err)
	testutil.Contains(t, out, "default")
}

func TestAdminRequestConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := run(t, "queues", "list", "--url", url)
	testutil.ErrorContains(t, err, "connecting to server")
}
