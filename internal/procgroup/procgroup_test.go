package procgroup

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func TestLocal(t *testing.T) {
	var pg Local
	assert.Equal(t, 0, pg.Rank())
	assert.Equal(t, 1, pg.Size())

	payload := []byte{0, 1, 2, 255}
	got, err := pg.Broadcast(context.Background(), payload, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	got[0] = 7
	assert.Equal(t, byte(0), payload[0], "broadcast result must not alias the payload")

	_, err = pg.Broadcast(context.Background(), payload, 1)
	assert.Error(t, err)
}

func coordinatorAddr(t *testing.T) string {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func newGroups(t *testing.T, size int, addr string) []*HTTPGroup {
	groups := make([]*HTTPGroup, size)
	for rank := range groups {
		g, err := NewHTTPGroup(HTTPConfig{
			Rank:         rank,
			Size:         size,
			Coordinator:  addr,
			PollInterval: 10 * time.Millisecond,
		}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = g.Close() })
		groups[rank] = g
	}
	return groups
}

func TestHTTPGroup_Broadcast(t *testing.T) {
	const size = 4
	groups := newGroups(t, size, coordinatorAddr(t))
	assert.NotEmpty(t, groups[0].Addr())
	assert.Empty(t, groups[1].Addr())

	// Binary payload including zero bytes, as a group identifier would be.
	payload := bytes.Repeat([]byte{0x00, 0xab, 0x10, 0xff}, 32)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for round := 0; round < 2; round++ {
		results := make([][]byte, size)
		eg, ctx := errgroup.WithContext(ctx)
		for rank, g := range groups {
			eg.Go(func() error {
				var in []byte
				if rank == 0 {
					in = append([]byte{byte(round)}, payload...)
				}
				out, err := g.Broadcast(ctx, in, 0)
				results[rank] = out
				return err
			})
		}
		require.NoError(t, eg.Wait())
		for rank := range results {
			assert.Equal(t, append([]byte{byte(round)}, payload...), results[rank], "rank %d round %d", rank, round)
		}
	}
}

func TestHTTPGroup_RootWaitsForAllRanks(t *testing.T) {
	groups := newGroups(t, 3, coordinatorAddr(t))

	// Only rank 1 participates: the root must not return.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	eg, egCtx := errgroup.WithContext(context.Background())
	eg.Go(func() error {
		_, err := groups[1].Broadcast(egCtx, nil, 0)
		return err
	})
	_, err := groups[0].Broadcast(ctx, []byte("id"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, eg.Wait())
}

func TestHTTPGroup_FetchTimesOutWithoutCoordinator(t *testing.T) {
	g, err := NewHTTPGroup(HTTPConfig{Rank: 1, Size: 2, Coordinator: coordinatorAddr(t), PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = g.Broadcast(ctx, nil, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPGroup_Validation(t *testing.T) {
	_, err := NewHTTPGroup(HTTPConfig{Rank: 0, Size: 0}, nil)
	assert.Error(t, err)
	_, err = NewHTTPGroup(HTTPConfig{Rank: 2, Size: 2, Coordinator: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
	_, err = NewHTTPGroup(HTTPConfig{Rank: 0, Size: 2}, nil)
	assert.Error(t, err)

	single, err := NewHTTPGroup(HTTPConfig{Rank: 0, Size: 1}, nil)
	require.NoError(t, err)
	out, err := single.Broadcast(context.Background(), []byte("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
	_, err = single.Broadcast(context.Background(), []byte("x"), 1)
	assert.Error(t, err)
	assert.NoError(t, single.Close())
}

func TestHTTPGroup_RejectsBadRequests(t *testing.T) {
	addr := coordinatorAddr(t)
	newGroups(t, 2, addr)

	for _, path := range []string{
		"/v1/broadcast/abc?rank=1",
		"/v1/broadcast/1?rank=0",
		"/v1/broadcast/1?rank=5",
	} {
		resp, err := http.Get("http://" + addr + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}

	resp, err := http.Get("http://" + addr + "/v1/broadcast/1?rank=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPGroup_CloseReleasesCoordinatorAddress(t *testing.T) {
	addr := coordinatorAddr(t)
	g, err := NewHTTPGroup(HTTPConfig{Rank: 0, Size: 2, Coordinator: addr}, nil)
	require.NoError(t, err)

	require.NoError(t, g.Close())
	assert.NoError(t, g.Close())

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}
