package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSuccess(t *testing.T) {
	var gotToken, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/email", r.URL.Path)
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"MessageID":"pm-42","ErrorCode":0}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	res, err := c.SendEmail(context.Background(), "tok", &Email{From: "a@example.com", To: "b@example.com", Subject: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "pm-42", res.MessageID)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "tok", gotToken)
	assert.JSONEq(t, `{"From":"a@example.com","To":"b@example.com","Subject":"Hi"}`, gotBody)
}

func TestSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		code      string
	}{
		{429, true, "http_429"},
		{500, true, "http_500"},
		{503, true, "http_503"},
		{422, false, "http_422"},
		{401, false, "http_401"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"ErrorCode":300,"Message":"Invalid email request"}`))
			}))
			defer srv.Close()

			_, err := New(srv.URL, time.Second).Send(context.Background(), "tok", []byte(`{}`))
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.code, ErrorCode(err))
			if tt.retryable {
				assert.ErrorIs(t, err, ErrTransient)
			} else {
				assert.ErrorIs(t, err, ErrPermanent)
			}
			var pe *Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "Invalid email request", pe.Message)
		})
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second).Send(context.Background(), "tok", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, CodeRequestError, ErrorCode(err))
	assert.True(t, IsRetryable(errors.New("unclassified")))
}

func TestVerifyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/server":
			_, _ = w.Write([]byte(`{"Name":"Production"}`))
		case "/message-streams":
			assert.Equal(t, "500", r.URL.Query().Get("count"))
			_, _ = w.Write([]byte(`{"MessageStreams":[{"ID":"outbound"},{"ID":"broadcast"},{"ID":"outbound"}]}`))
		}
	}))
	defer srv.Close()

	info, err := New(srv.URL, time.Second).VerifyToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "Production", info.Name)
	assert.Equal(t, []string{"outbound", "broadcast"}, info.Streams)
}

func TestVerifyTokenStreamsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/message-streams" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"Name":"S"}`))
	}))
	defer srv.Close()

	info, err := New(srv.URL, time.Second).VerifyToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"outbound"}, info.Streams)
}
