package publishers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "github.com/psalmprax/ettametta/errors"
)

func TestYouTubeResumableUpload(t *testing.T) {
	var sessionOpened, videoPut bool

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			sessionOpened = true
			require.Equal(t, "Bearer act.test", r.Header.Get("Authorization"))
			w.Header().Set("Location", server.URL+"/session/abc")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/session/abc", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		videoPut = true
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "vid123"})
	})

	source := &fakeTokenSource{token: validToken()}
	p := NewYouTubePublisher(source)
	p.uploadURL = server.URL + "/upload"

	url, err := p.Upload(context.Background(), writeTempVideo(t, 512), PostMetadata{
		Title:    "clip",
		Hashtags: []string{"#ai"},
	}, "")
	require.NoError(t, err)
	require.Equal(t, "https://youtube.com/shorts/vid123", url)
	require.True(t, sessionOpened)
	require.True(t, videoPut)
}

func TestYouTubeSessionRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	source := &fakeTokenSource{token: validToken()}
	p := NewYouTubePublisher(source)
	p.uploadURL = server.URL

	_, err := p.Upload(context.Background(), writeTempVideo(t, 512), PostMetadata{Title: "clip"}, "")
	require.Error(t, err)
	require.Equal(t, xerrors.KindAuth, xerrors.KindOf(err))
}
