package main

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adwski/screencast/backend/router"
	apiserver "github.com/adwski/screencast/backend/server/http"
	"github.com/adwski/screencast/backend/service"
	"github.com/adwski/screencast/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		Router: router.NewRouter(router.Config{
			Logger:          &logger,
			Store:           memory.NewMemStore(),
			AutoCreateRooms: true,
		}),
		Logger:          &logger,
		RoomGracePeriod: time.Minute,
		RoomGCInterval:  time.Minute,
	})
	ts := httptest.NewServer(apiserver.NewServer(apiserver.Config{
		Logger:      &logger,
		RoomService: svc,
	}).Handler)
	t.Cleanup(ts.Close)
	return ts.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoomsCommands(t *testing.T) {
	api := newAPI(t)

	out, err := run(t, "rooms", "list", "--api", api)
	require.NoError(t, err)
	assert.Equal(t, "No rooms\n", out)

	out, err = run(t, "rooms", "create", "demo", "--api", api)
	require.NoError(t, err)
	assert.Contains(t, out, `Created room "demo"`)

	out, err = run(t, "rooms", "ls", "--api", api)
	require.NoError(t, err)
	assert.Contains(t, out, "demo")
	assert.Contains(t, out, "SUBSCRIBERS")
}

func TestRootCmd_Errors(t *testing.T) {
	_, err := run(t, "rooms", "list", "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log level")

	_, err = run(t, "publish", "R1")
	assert.ErrorContains(t, err, "source")

	_, err = run(t, "subscribe")
	assert.Error(t, err)
}
