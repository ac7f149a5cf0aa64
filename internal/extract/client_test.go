package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatReply(content string) string {
	return `{"choices":[{"message":{"content":` + content + `}}]}`
}

func TestExtract_ParsesStructuredNote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(chatReply(`"{\"diagnoses\":[\"migraine\"],\"medicines\":[{\"name\":\"ibuprofen\",\"dosage\":\"400mg\",\"frequency\":\"as needed\"}],\"instructions\":[\"rest\"],\"summary\":\"Migraine visit.\"}"`)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "gpt-4o-mini", 5*time.Second, nil)
	note, err := c.Extract(context.Background(), "patient has a migraine")
	require.NoError(t, err)
	require.NotNil(t, note)

	assert.Equal(t, []string{"migraine"}, note.Diagnoses)
	require.Len(t, note.Medicines, 1)
	assert.Equal(t, "ibuprofen", note.Medicines[0].Name)
	assert.Equal(t, []string{"rest"}, note.Instructions)
	assert.Equal(t, "Migraine visit.", note.Summary)
}

func TestExtract_ProseWrappedJSONStillParses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply(`"Here is the note:\n{\"diagnoses\":[\"flu\"],\"medicines\":[],\"instructions\":[],\"summary\":\"\"}\nLet me know if you need more."`)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 5*time.Second, nil)
	note, err := c.Extract(context.Background(), "t")
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, []string{"flu"}, note.Diagnoses)
}

func TestExtract_EmptyNoteReturnsNilNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply(`"{\"diagnoses\":[],\"medicines\":[],\"instructions\":[],\"summary\":\"\"}"`)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 5*time.Second, nil)
	note, err := c.Extract(context.Background(), "t")
	require.NoError(t, err)
	assert.Nil(t, note)
}

func TestExtract_UnparseableReplyReturnsNilNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatReply(`"I could not extract anything from this transcript."`)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 5*time.Second, nil)
	note, err := c.Extract(context.Background(), "t")
	require.NoError(t, err)
	assert.Nil(t, note)
}

func TestExtract_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(chatReply(`"{\"diagnoses\":[\"flu\"],\"medicines\":[],\"instructions\":[],\"summary\":\"\"}"`)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 5*time.Second, nil)
	note, err := c.Extract(context.Background(), "t")
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtract_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model name", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 5*time.Second, nil)
	_, err := c.Extract(context.Background(), "t")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGatewayRejected)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseNote(t *testing.T) {
	note := parseNote(`{"diagnoses":["x"],"medicines":[],"instructions":[],"summary":""}`)
	require.NotNil(t, note)
	assert.Equal(t, []string{"x"}, note.Diagnoses)

	assert.Nil(t, parseNote("no json here"))
	assert.Nil(t, parseNote("{broken"))
}
