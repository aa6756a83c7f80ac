package extract

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajourney/etl/config"
)

func getTestConfig() *config.Config {
	return &config.Config{
		Extract: config.ExtractConfig{
			TimeoutSeconds: 5,
			Backoff: config.BackoffConfig{
				RetryWaitMin: 10 * time.Millisecond,
				RetryWaitMax: 20 * time.Millisecond,
				RetryMax:     1,
			},
		},
	}
}

func getTestLogger(buffer *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buffer, nil))
}

func TestNewClient(t *testing.T) {
	cfg := getTestConfig()
	client := NewClient(cfg, getTestLogger(&bytes.Buffer{}))

	require.NotNil(t, client)
	assert.Equal(t, 10*time.Millisecond, client.HTTPClient.RetryWaitMin)
	assert.Equal(t, 1, client.HTTPClient.RetryMax)
	assert.Equal(t, 5*time.Second, client.HTTPClient.HTTPClient.Timeout)
}

func TestClient_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("hello"))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("gone"))
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := NewClient(getTestConfig(), getTestLogger(&bytes.Buffer{}))

	body, err := client.Get(server.URL + "/ok")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = client.Get(server.URL + "/missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRateLimited(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "gone", se.Body)

	_, err = client.Get(server.URL + "/throttled")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestClient_GetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/coin":
			w.Write([]byte(`{"name":"Bitcoin","market_cap_rank":1}`))
		case "/garbage":
			w.Write([]byte(`{"name":`))
		}
	}))
	defer server.Close()

	client := NewClient(getTestConfig(), getTestLogger(&bytes.Buffer{}))

	var out struct {
		Name string `json:"name"`
		Rank int64  `json:"market_cap_rank"`
	}
	require.NoError(t, client.GetJSON(server.URL+"/coin", &out))
	assert.Equal(t, "Bitcoin", out.Name)
	assert.Equal(t, int64(1), out.Rank)

	err := client.GetJSON(server.URL+"/garbage", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding JSON")
}

func TestClient_Throttle(t *testing.T) {
	var calls []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, time.Now())
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(getTestConfig(), getTestLogger(&bytes.Buffer{}))
	client.SetThrottle(50 * time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := client.Get(server.URL)
		require.NoError(t, err)
	}

	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), 40*time.Millisecond)
	}
}

func TestURLWithParams(t *testing.T) {
	url, err := URLWithParams("https://api.example.com/v1/price", map[string]string{
		"ids":           "bitcoin",
		"vs_currencies": "usd",
	})
	require.NoError(t, err)
	assert.Contains(t, url, "ids=bitcoin")
	assert.Contains(t, url, "vs_currencies=usd")

	_, err = URLWithParams("://bad", nil)
	assert.Error(t, err)
}
