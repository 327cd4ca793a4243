package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:8095"

// serverURL resolves the admin API base URL from --url, JOBQ_URL, or the default.
func serverURL(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		return strings.TrimRight(v, "/")
	}
	if v := os.Getenv("JOBQ_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return defaultServerURL
}

// adminToken resolves the bearer token. In order: --admin-token,
// JOBQ_ADMIN_TOKEN, or a login with JOBQ_ADMIN_PASSWORD.
func adminToken(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("admin-token"); v != "" {
		return v
	}
	if v := os.Getenv("JOBQ_ADMIN_TOKEN"); v != "" {
		return v
	}
	if pw := os.Getenv("JOBQ_ADMIN_PASSWORD"); pw != "" {
		if t, err := adminLogin(serverURL(cmd), pw); err == nil {
			return t
		}
	}
	return ""
}

// adminLogin exchanges the admin password for a token.
func adminLogin(baseURL, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return "", fmt.Errorf("encoding login request: %w", err)
	}
	resp, err := cliHTTPClient.Post(baseURL+"/api/admin/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: %d", resp.StatusCode)
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Token, nil
}

// adminRequest makes an authenticated request against the admin API and
// returns the response with its fully read body.
func adminRequest(cmd *cobra.Command, method, path string, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, serverURL(cmd)+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := adminToken(cmd); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := cliHTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, respBody, nil
}

// adminCall is adminRequest plus status checking: any status other than
// want becomes a serverError.
func adminCall(cmd *cobra.Command, method, path string, payload any, want int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	resp, respBody, err := adminRequest(cmd, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, serverError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// queuePath builds /api/admin/queues/<queue><suffix>.
func queuePath(queueName, suffix string) string {
	return "/api/admin/queues/" + url.PathEscape(queueName) + suffix
}

// serverError turns an error response into a readable message, preferring
// the server's message and error_code fields.
func serverError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return fmt.Errorf("authentication required (401)\n\n" +
			"  The server has admin.password set. Pass a token with --admin-token,\n" +
			"  export JOBQ_ADMIN_TOKEN, or export JOBQ_ADMIN_PASSWORD to log in.")
	}
	var errResp struct {
		Message   string `json:"message"`
		ErrorCode string `json:"error_code"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
		if errResp.ErrorCode != "" {
			return fmt.Errorf("server error (%d, %s): %s", status, errResp.ErrorCode, errResp.Message)
		}
		return fmt.Errorf("server error (%d): %s", status, errResp.Message)
	}
	return fmt.Errorf("server error (%d): %s", status, strings.TrimSpace(string(body)))
}

// printJSON pretty-prints raw JSON or any value to stdout.
func printJSON(v any) error {
	if raw, ok := v.([]byte); ok {
		var out bytes.Buffer
		if err := json.Indent(&out, raw, "", "  "); err != nil {
			_, err = os.Stdout.Write(raw)
			return err
		}
		out.WriteByte('\n')
		_, err := out.WriteTo(os.Stdout)
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
