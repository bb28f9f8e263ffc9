package schedlinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedline/internal/app"
	"schedline/internal/config"
	"schedline/internal/db"
	"schedline/internal/migrate"
	"schedline/internal/repo"
	"schedline/internal/server"
	schedlinesdk "schedline/sdk/go"
)

func TestClientAgainstServer(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	cfg := config.Default()
	cfg.Engine.Clock = "pseudo"
	handler, err := server.New(server.Config{Service: &app.Service{Config: cfg, Repo: repo.Repo{DB: conn}}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx := context.Background()
	c := schedlinesdk.New(srv.URL)
	off := false
	res, err := c.Schedule(ctx, schedlinesdk.ScheduleRequest{
		System: schedlinesdk.System{TotalMemory: 2048, CpuCores: 1},
		Processes: []schedlinesdk.ProcessSpec{
			{ID: 1, Priority: 1, MemoryRequirement: 512, Instructions: 2},
			{ID: 2, Priority: 2, MemoryRequirement: 512, Instructions: 2},
		},
		Producers: &off,
	})
	require.NoError(t, err)
	assert.Equal(t, "halted", res.Run.Status)
	assert.Equal(t, "END", res.Report.Events[len(res.Report.Events)-1].EventType)
	assert.Equal(t, 2048, res.Snapshot.System.AvailableMemory)

	page, err := c.RunsPage(ctx, "halted", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	detail, err := c.Run(ctx, res.Run.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Description)
	assert.Len(t, detail.Description.Processes, 2)

	evts, err := c.RunEvents(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Len(t, evts, len(res.Report.Events)+2)

	_, err = c.Run(ctx, "missing")
	var apiErr *schedlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
