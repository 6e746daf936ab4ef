package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ValentinKolb/dMap/lib/cluster"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/ValentinKolb/dMap/rpc/gate/local"
	"github.com/ValentinKolb/dMap/rpc/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNode(t *testing.T) *node.Node {
	cfg := common.DefaultNodeConfig()
	cfg.Endpoint = "10.0.0.1:5701"
	cfg.PartitionCount = 5
	cfg.BackupCount = 0
	cfg.Lanes = 2

	n, err := node.New(cfg, local.NewHub(nil).Connector(cluster.MustParseAddress(cfg.Endpoint)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	n := startNode(t)
	_, err := n.Map("m").Put(context.Background(), []byte("k"), []byte("v"))
	require.NoError(t, err)

	// the lane timer records after the reply was sent
	require.Eventually(t, func() bool {
		var tasks int64
		for _, l := range n.Status().Lanes {
			tasks += l.Tasks
		}
		return tasks == 1
	}, time.Second, 5*time.Millisecond)

	router := NewRouter(n)

	rec := get(t, router, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = get(t, router, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dmap_invocations_total")

	rec = get(t, router, "/partitions")
	assert.Equal(t, http.StatusOK, rec.Code)
	var status node.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "10.0.0.1:5701", status.Address)
	assert.Equal(t, 5, status.PrimaryPartitions)
	require.Len(t, status.Lanes, 2)
	assert.Equal(t, int64(1), status.Lanes[0].Tasks+status.Lanes[1].Tasks)

	rec = get(t, router, "/lanes")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lane.0.tasks")

	assert.Equal(t, http.StatusNotFound, get(t, router, "/nope").Code)
}

func TestServer(t *testing.T) {
	s, err := Start("127.0.0.1:0", startNode(t))
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
