package cli

import (
	"bytes"
	"esi/internal/assembler"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T, reply string, status int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/thinking", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"phrases":["Pondering"]}`)
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		fmt.Fprintf(w, `{"text":%q}`, reply)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func(k string) string { return env[k] })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-file", filepath.Join(t.TempDir(), "esi.log"), "--stream=false"))
	err := cmd.Execute()
	return out.String(), err
}

func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
}

func TestAskPrintsReply(t *testing.T) {
	isolateConfig(t)
	srv := fakeServer(t, "**Paris** is the capital.", http.StatusOK)

	out, err := run(t, map[string]string{"ESI_API_BASE_URL": srv.URL}, "ask", "capital", "of", "France?")
	require.NoError(t, err)
	assert.Contains(t, out, "**Paris** is the capital.")
}

func TestAskAttachesFile(t *testing.T) {
	isolateConfig(t)
	var gotName string
	mux := http.NewServeMux()
	mux.HandleFunc("/thinking", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"phrases":[]}`) })
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, hdr, err := r.FormFile("file"); err == nil {
			gotName = hdr.Filename
		}
		fmt.Fprint(w, `{"text":"Summarized."}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	_, err := run(t, map[string]string{"ESI_API_BASE_URL": srv.URL}, "ask", "summarize", "--file", path)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", gotName)
}

func TestAskBackendFailurePrintsFallback(t *testing.T) {
	isolateConfig(t)
	srv := fakeServer(t, "", http.StatusInternalServerError)

	out, err := run(t, map[string]string{"ESI_API_BASE_URL": srv.URL}, "ask", "hello")
	require.Error(t, err)
	assert.Contains(t, out, assembler.Fallback)
}

func TestSessionsRequiresRemote(t *testing.T) {
	isolateConfig(t)
	_, err := run(t, nil, "sessions")
	assert.Error(t, err)
}

func TestSessionsListsSQLiteHistory(t *testing.T) {
	isolateConfig(t)
	srv := fakeServer(t, "Paris.", http.StatusOK)
	env := map[string]string{
		"ESI_API_BASE_URL": srv.URL,
		"ESI_STORE":        "sqlite",
		"ESI_DB_PATH":      filepath.Join(t.TempDir(), "esi.db"),
		"ESI_EMAIL":        "ada@example.com",
	}

	_, err := run(t, env, "ask", "What is the capital of France?")
	require.NoError(t, err)

	out, err := run(t, env, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "What is the capital of France?")
}

func TestUnknownStoreIsRejected(t *testing.T) {
	isolateConfig(t)
	_, err := run(t, map[string]string{"ESI_STORE": "mongo"}, "sessions")
	assert.ErrorContains(t, err, "ESI_STORE")
}
