package legacy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("audio")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "utterance.wav", header.Filename)
		w.Write([]byte(`{"text":"hello there"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{TranscribeURL: srv.URL}, zerolog.Nop())
	text, err := c.Transcribe(context.Background(), []byte{1, 2, 3}, "utterance.wav")
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"reply":"hi, how can I help?"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{CompleteURL: srv.URL}, zerolog.Nop())
	reply, err := c.Complete(context.Background(), "hello", "en")
	require.NoError(t, err)
	assert.Equal(t, "hi, how can I help?", reply)
}

func TestSpeak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	c := NewClient(Config{SpeakURL: srv.URL}, zerolog.Nop())
	audio, contentType, err := c.Speak(context.Background(), "hi there")
	require.NoError(t, err)
	assert.Equal(t, "mp3-bytes", string(audio))
	assert.Equal(t, "audio/mpeg", contentType)
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewClient(Config{CompleteURL: srv.URL, SpeakURL: srv.URL}, zerolog.Nop())

	_, err := c.Complete(context.Background(), "hello", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, _, err = c.Speak(context.Background(), "hello")
	require.Error(t, err)
}
