package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "tweetq/pkg/logx"
)

func TestServerStartStop(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	s := NewServer(Config{Addr: "127.0.0.1:0"}, h, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "Start is idempotent")

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never bound")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestInsecureBindRefused(t *testing.T) {
	assert.ErrorIs(t, Config{Addr: "0.0.0.0:8080"}.Check(), ErrInsecureBind)
	assert.ErrorIs(t, Config{Addr: ":8080"}.Check(), ErrInsecureBind)
	assert.NoError(t, Config{Addr: "0.0.0.0:8080", Token: "t"}.Check())
	assert.NoError(t, Config{Addr: "0.0.0.0:8080", AllowInsecure: true}.Check())
	assert.NoError(t, Config{Addr: "localhost:8080"}.Check())
	assert.NoError(t, Config{Addr: "[::1]:8080"}.Check())

	s := NewServer(Config{Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
}
