package transcribe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscribe_SendsMultipartAndReturnsTranscript(t *testing.T) {
	var gotProfileID, gotAPIKey, gotFilename string
	var gotAudio []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/transcribe", r.URL.Path)
		gotAPIKey = r.Header.Get("X-API-Key")

		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotProfileID = r.FormValue("profile_id")
		file, header, err := r.FormFile("audio_file")
		require.NoError(t, err)
		defer file.Close()
		gotFilename = header.Filename
		gotAudio, err = io.ReadAll(file)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transcript":"  patient reports mild headache  "}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", 5*time.Second)
	transcript, err := c.Transcribe(context.Background(), "profile-1", []byte("RIFFwav"))
	require.NoError(t, err)

	assert.Equal(t, "patient reports mild headache", transcript)
	assert.Equal(t, "profile-1", gotProfileID)
	assert.Equal(t, "secret-key", gotAPIKey)
	assert.Equal(t, "audio.wav", gotFilename)
	assert.Equal(t, []byte("RIFFwav"), gotAudio)
}

func TestTranscribe_EmptyTranscriptIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transcript":""}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	transcript, err := c.Transcribe(context.Background(), "p", []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, transcript)
}

func TestTranscribe_ServerErrorReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.Transcribe(context.Background(), "p", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestTranscribe_TransportErrorReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.Transcribe(context.Background(), "p", []byte("x"))
	assert.Error(t, err)
}
