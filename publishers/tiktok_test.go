package publishers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/tokens"
)

type fakeTokenSource struct {
	mu           sync.Mutex
	token        tokens.Token
	refreshCalls int
	refreshErr   error
}

func (f *fakeTokenSource) Get(ctx context.Context, platform, accountID string) (tokens.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokenSource) Refresh(ctx context.Context, platform, accountID string) (tokens.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return tokens.Token{}, f.refreshErr
	}
	fresh := time.Now().Add(2 * time.Hour)
	f.token.ExpiresAt = &fresh
	return f.token, nil
}

func validToken() tokens.Token {
	exp := time.Now().Add(2 * time.Hour)
	return tokens.Token{
		Platform:      "TikTok",
		AccountHandle: "creator",
		AccessToken:   "act.test",
		ExpiresAt:     &exp,
	}
}

func writeTempVideo(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, size), 0644))
	return path
}

// 3-chunk upload where chunk 2 fails once with a 503: the machine retries the
// chunk and still publishes, with exactly 4 PUTs on the wire.
func TestTikTokChunkedUploadPartialFailure(t *testing.T) {
	var mu sync.Mutex
	putCount := 0
	chunk2Failures := 0
	var ranges []string

	var uploadServer *httptest.Server
	uploadServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		mu.Lock()
		defer mu.Unlock()
		putCount++
		contentRange := r.Header.Get("Content-Range")
		ranges = append(ranges, contentRange)
		if contentRange == "bytes 1024-2047/2560" && chunk2Failures == 0 {
			chunk2Failures++
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer uploadServer.Close()

	initServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer act.test", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		source := body["source_info"].(map[string]interface{})
		require.Equal(t, float64(2560), source["video_size"])
		require.Equal(t, float64(3), source["total_chunk_count"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{
				"upload_url": uploadServer.URL,
				"publish_id": "pub123",
			},
		})
	}))
	defer initServer.Close()

	source := &fakeTokenSource{token: validToken()}
	p := NewTikTokPublisher(source)
	p.initURL = initServer.URL
	p.chunkSize = 1024

	url, err := p.Upload(context.Background(), writeTempVideo(t, 2560), PostMetadata{Title: "test clip"}, "")
	require.NoError(t, err)
	require.Equal(t, "https://www.tiktok.com/@creator/video/pub123", url)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 4, putCount, "3 chunks plus exactly one retry")
	require.Equal(t, "bytes 0-1023/2560", ranges[0])
	require.Equal(t, "bytes 2048-2559/2560", ranges[len(ranges)-1])
}

func TestTikTokExpiredTokenRefreshedBeforeInit(t *testing.T) {
	initCalls := 0
	uploadServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer uploadServer.Close()
	initServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		initCalls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"upload_url": uploadServer.URL, "publish_id": "pub1"},
		})
	}))
	defer initServer.Close()

	expired := time.Now().Add(-time.Second)
	token := validToken()
	token.ExpiresAt = &expired
	source := &fakeTokenSource{token: token}

	p := NewTikTokPublisher(source)
	p.initURL = initServer.URL
	p.chunkSize = 1024

	_, err := p.Upload(context.Background(), writeTempVideo(t, 100), PostMetadata{Title: "t"}, "")
	require.NoError(t, err)
	require.Equal(t, 1, initCalls)
	require.GreaterOrEqual(t, source.refreshCalls, 1, "expired token must be refreshed before init")
}

func TestTikTokRefreshFailureIsAuthWithoutRetries(t *testing.T) {
	initCalls := 0
	initServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		initCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer initServer.Close()

	expired := time.Now().Add(-time.Second)
	token := validToken()
	token.ExpiresAt = &expired
	source := &fakeTokenSource{token: token, refreshErr: fmt.Errorf("refresh rejected")}

	p := NewTikTokPublisher(source)
	p.initURL = initServer.URL

	_, err := p.Upload(context.Background(), writeTempVideo(t, 100), PostMetadata{Title: "t"}, "")
	require.Error(t, err)
	require.Equal(t, xerrors.KindAuth, xerrors.KindOf(err))
	require.Zero(t, initCalls, "auth failure must not reach the platform")
}

func TestTikTokInitFailure(t *testing.T) {
	initServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer initServer.Close()

	source := &fakeTokenSource{token: validToken()}
	p := NewTikTokPublisher(source)
	p.initURL = initServer.URL

	_, err := p.Upload(context.Background(), writeTempVideo(t, 100), PostMetadata{Title: "t"}, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "init")
}
