package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetq/internal/posting"
	"tweetq/internal/queue"
)

func TestClientRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.srv.URL+"/", token)
	ctx := context.Background()

	a, err := c.Enqueue(ctx, queue.Draft{Text: "first"})
	require.NoError(t, err)
	b, err := c.Enqueue(ctx, queue.Draft{Text: "second"})
	require.NoError(t, err)

	edited, err := c.Edit(ctx, b.ID, queue.Draft{Text: "second, edited"})
	require.NoError(t, err)
	assert.Equal(t, "second, edited", edited.Text)

	list, err := c.List(ctx, queue.StatusQueued)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)

	require.NoError(t, c.Remove(ctx, a.ID))
	_, err = c.Get(ctx, a.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	cfg, err := c.UpdatePostingConfig(ctx, posting.Config{Enabled: true, Cadence: posting.CadenceHourly})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	got, err := c.PostingConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, posting.CadenceHourly, got.Cadence)

	events, err := c.Events(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	require.NoError(t, c.Tick(ctx))
	assert.EqualValues(t, 1, f.disp.wakes.Load())
}

func TestClientReportsAPIErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := NewClient(f.srv.URL, "wrong").List(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = NewClient(f.srv.URL, token).Enqueue(ctx, queue.Draft{Text: "   "})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.NotEmpty(t, apiErr.Message)
}
