package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/receiver"
	"github.com/zsiec/stgen/internal/results"
	"github.com/zsiec/stgen/internal/stats"
)

type fakeSource struct {
	summary  stats.Summary
	sessions []receiver.SessionInfo
}

func (f *fakeSource) Summary() stats.Summary { return f.summary }

func (f *fakeSource) Sessions() []receiver.SessionInfo {
	return append([]receiver.SessionInfo(nil), f.sessions...)
}

func (f *fakeSource) Session(id string) (receiver.SessionInfo, bool) {
	for _, s := range f.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return receiver.SessionInfo{}, false
}

type fakeStore struct {
	runs map[string]*stats.Summary
	err  error
}

func (f *fakeStore) Save(_ context.Context, s *stats.Summary) error {
	f.runs[s.RunID] = s
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*stats.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", results.ErrRunNotFound, id)
	}
	return s, nil
}

func (f *fakeStore) List(context.Context) ([]*stats.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*stats.Summary, 0, len(f.runs))
	for _, s := range f.runs {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }
func (f *fakeStore) Name() string { return "fake" }

func testConfig() *config.APIConfig {
	return &config.APIConfig{
		ListenAddr:      "127.0.0.1",
		Port:            0,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestNew(t *testing.T) {
	cfg := testConfig()
	log := quietLogger()

	server := New(cfg, log, Options{})

	assert.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, log, server.logger)
	assert.NotNil(t, server.GetRouter())
	assert.NotNil(t, server.HealthManager())
	assert.NotNil(t, server.errorHandler)
	assert.Nil(t, server.Addr())
}

func TestServer_StartAndShutdown(t *testing.T) {
	source := &fakeSource{summary: stats.Summary{RunID: "run-1", Role: "receiver"}}
	server := New(testConfig(), quietLogger(), Options{Summary: source})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	require.Eventually(t, func() bool { return server.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get(fmt.Sprintf("http://%s/api/v1/summary", server.Addr()))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_StartFailsOnBadCertificates(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP3Port = 0
	cfg.TLSCertFile = "/nonexistent/cert.pem"
	cfg.TLSKeyFile = "/nonexistent/key.pem"

	server := New(cfg, quietLogger(), Options{})
	err := server.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load TLS certificates")
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	first := New(testConfig(), quietLogger(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.Start(ctx) }()
	require.Eventually(t, func() bool { return first.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	cfg := testConfig()
	cfg.Port = first.Addr().(*net.TCPAddr).Port

	err := New(cfg, quietLogger(), Options{}).Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
