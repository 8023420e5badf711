package imds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/godetonate/pkg/metadata"
)

// newIMDSServer emulates the IMDSv2 token handshake plus the two paths the
// agent reads.
func newIMDSServer(t *testing.T, userData string) *httptest.Server {
	t.Helper()
	const token = "test-token"
	mux := http.NewServeMux()
	mux.HandleFunc("/latest/api/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("X-Aws-Ec2-Metadata-Token-Ttl-Seconds", "21600")
		_, _ = w.Write([]byte(token))
	})
	requireToken := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Aws-Ec2-Metadata-Token") != token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/latest/user-data", requireToken(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(userData))
	}))
	mux.HandleFunc("/latest/meta-data/instance-id", requireToken(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("i-0abc123\n"))
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSource_FetchDecodes(t *testing.T) {
	params := metadata.Params{
		JobUUID:              "u-1",
		JobID:                "job-1",
		SampleRef:            "sha256:abc",
		ResultsDestination:   "results",
		ControlPlaneEndpoint: "events",
		ExecutionTimeout:     10 * time.Minute,
	}
	data, err := metadata.Encode(params)
	require.NoError(t, err)

	srv := newIMDSServer(t, string(data))
	src := New(srv.URL)

	m, err := src.Fetch(context.Background())
	require.NoError(t, err)
	got, err := metadata.Decode(m)
	require.NoError(t, err)
	assert.Equal(t, params, got)

	id, err := src.InstanceID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "i-0abc123", id)
}

func TestSource_FetchRejectsNonJSON(t *testing.T) {
	srv := newIMDSServer(t, "#cloud-config\n")
	_, err := New(srv.URL).Fetch(context.Background())
	assert.Error(t, err)
}
