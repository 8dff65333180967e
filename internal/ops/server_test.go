package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundline/internal/ledger"
	"soundline/internal/queue"
)

func setupServer(t *testing.T) (*Server, *queue.Queue, *ledger.Ledger) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewWithClient(client)
	t.Cleanup(func() { q.Close() })

	l := ledger.New(client)
	return NewServer(0, q, l, nil, nil), q, l
}

func doGET(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _ := setupServer(t)

	rec := doGET(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Healthy bool              `json:"healthy"`
		Checks  map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, "ok", body.Checks["queue"])
	assert.NotContains(t, body.Checks, "database", "no database on this worker")
}

func TestQueues(t *testing.T) {
	s, q, _ := setupServer(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, queue.UnpackQueue, queue.UnpackJob{BatchID: "b1"}))
	require.NoError(t, q.Push(ctx, queue.TranscribeQueue, queue.TranscribeJob{BatchID: "b1", OpusPath: "/x.opus"}))
	require.NoError(t, q.Push(ctx, queue.TranscribeQueue, queue.TranscribeJob{BatchID: "b1", OpusPath: "/y.opus"}))

	rec := doGET(t, s, "/queues")
	assert.Equal(t, http.StatusOK, rec.Code)

	var depths map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &depths))
	assert.EqualValues(t, 1, depths[queue.UnpackQueue])
	assert.EqualValues(t, 2, depths[queue.TranscribeQueue])
	assert.EqualValues(t, 0, depths[queue.FailedQueue])
}

func TestBatches(t *testing.T) {
	s, _, l := setupServer(t)
	require.NoError(t, l.Seed(context.Background(), "b1", 5, "archives/b1.tar"))

	rec := doGET(t, s, "/batches")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Batches []ledger.BatchProgress `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Batches, 1)
	assert.Equal(t, "b1", body.Batches[0].BatchID)
	assert.EqualValues(t, 5, body.Batches[0].Total)
}

func TestFailed(t *testing.T) {
	s, q, _ := setupServer(t)
	require.NoError(t, q.Fail(context.Background(), queue.UnpackJob{BatchID: "b1"}, "empty-batch", "unpack"))

	rec := doGET(t, s, "/failed")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Failed []queue.FailedJob `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Failed, 1)
	assert.Equal(t, "empty-batch", body.Failed[0].Error)
}

// Endpoints backed by the database report absence on workers that do not
// hold a store connection.
func TestStoreEndpointsWithoutDatabase(t *testing.T) {
	s, _, _ := setupServer(t)

	for _, path := range []string{"/flagged", "/stats"} {
		rec := doGET(t, s, path)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, path)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 20, parseLimit("", 20))
	assert.Equal(t, 5, parseLimit("5", 20))
	assert.Equal(t, 20, parseLimit("-1", 20))
	assert.Equal(t, 20, parseLimit("abc", 20))
}
