package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
)

type pageGetter struct {
	sizes   []int
	queries []url.Values
	fail    error
}

func (g *pageGetter) Get(_ context.Context, _ accurate.Conn, _ string, params url.Values) (accurate.Envelope, error) {
	snapshot := url.Values{}
	for k, v := range params {
		snapshot[k] = append([]string(nil), v...)
	}
	g.queries = append(g.queries, snapshot)
	if g.fail != nil {
		return accurate.Envelope{}, g.fail
	}
	idx := len(g.queries) - 1
	n := 0
	if idx < len(g.sizes) {
		n = g.sizes[idx]
	}
	rows := make([]string, n)
	for i := range rows {
		rows[i] = fmt.Sprintf(`{"number":"R-%d-%d"}`, idx+1, i)
	}
	return accurate.DecodeEnvelope([]byte(`{"s":true,"d":[` + strings.Join(rows, ",") + `]}`))
}

var conn = accurate.Conn{AccessToken: "tok", Host: "https://h"}

func TestFetchStopsOnShortPage(t *testing.T) {
	t.Parallel()

	g := &pageGetter{sizes: []int{100, 100, 50}}
	p := New(g, Config{}, nil)

	got, err := p.Fetch(context.Background(), conn, "/api/purchase-order/list.do", url.Values{"fields": {"id,number"}})
	require.NoError(t, err)
	require.Len(t, got, 250)
	require.Len(t, g.queries, 3)
	require.Equal(t, "R-1-0", got[0]["number"])
	require.Equal(t, "R-3-49", got[249]["number"])

	for i, q := range g.queries {
		require.Equal(t, fmt.Sprint(i+1), q.Get("sp.page"))
		require.Equal(t, "100", q.Get("sp.pageSize"))
		require.Equal(t, "id,number", q.Get("fields"))
	}
}

func TestFetchHonorsRequestedPageSize(t *testing.T) {
	t.Parallel()

	g := &pageGetter{sizes: []int{10, 10, 0}}
	p := New(g, Config{}, nil)

	params := url.Values{"sp.pageSize": {"10"}}
	got, err := p.Fetch(context.Background(), conn, "/api/vendor/list.do", params)
	require.NoError(t, err)
	require.Len(t, got, 20)
	require.Len(t, g.queries, 3)
	require.Empty(t, params.Get("sp.page"))
}

func TestFetchStopsAtPageCeiling(t *testing.T) {
	t.Parallel()

	sizes := make([]int, 200)
	for i := range sizes {
		sizes[i] = 5
	}
	g := &pageGetter{sizes: sizes}
	p := New(g, Config{PageSize: 5, MaxPages: 4}, nil)

	got, err := p.Fetch(context.Background(), conn, "/api/item/list.do", nil)
	require.NoError(t, err)
	require.Len(t, got, 20)
	require.Len(t, g.queries, 4)
}

func TestFetchDefaultCeilingIsOneHundredPages(t *testing.T) {
	t.Parallel()

	sizes := make([]int, 150)
	for i := range sizes {
		sizes[i] = 1
	}
	g := &pageGetter{sizes: sizes}
	p := New(g, Config{PageSize: 1}, nil)

	got, err := p.Fetch(context.Background(), conn, "/api/item/list.do", nil)
	require.NoError(t, err)
	require.Len(t, got, DefaultMaxPages)
	require.Len(t, g.queries, DefaultMaxPages)
}

func TestFetchPropagatesErrors(t *testing.T) {
	t.Parallel()

	g := &pageGetter{fail: accurate.ErrUpstreamUnavailable}
	_, err := New(g, Config{}, nil).Fetch(context.Background(), conn, "/api/item/list.do", nil)
	require.ErrorIs(t, err, accurate.ErrUpstreamUnavailable)
}

type rejectingGetter struct{}

func (rejectingGetter) Get(context.Context, accurate.Conn, string, url.Values) (accurate.Envelope, error) {
	return accurate.DecodeEnvelope([]byte(`{"s":false,"d":["Sesi tidak valid"]}`))
}

func TestFetchRejectedEnvelope(t *testing.T) {
	t.Parallel()

	_, err := New(rejectingGetter{}, Config{}, nil).Fetch(context.Background(), conn, "/api/item/list.do", nil)
	require.ErrorIs(t, err, accurate.ErrUpstreamRejected)
	require.ErrorContains(t, err, "Sesi tidak valid")
}

func TestFetchChecksContextBetweenPages(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	g := &cancelAfterFirst{cancel: cancel}
	_, err := New(g, Config{PageSize: 1}, nil).Fetch(ctx, conn, "/api/item/list.do", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, g.calls)
}

type cancelAfterFirst struct {
	cancel context.CancelFunc
	calls  int
}

func (g *cancelAfterFirst) Get(context.Context, accurate.Conn, string, url.Values) (accurate.Envelope, error) {
	g.calls++
	g.cancel()
	data, _ := json.Marshal(map[string]any{"s": true, "d": []map[string]any{{"id": g.calls}}})
	return accurate.DecodeEnvelope(data)
}

func TestListerBindsConnection(t *testing.T) {
	t.Parallel()

	g := &pageGetter{sizes: []int{2}}
	lister := New(g, Config{}, nil).Lister(conn)
	got, err := lister.FetchAll(context.Background(), "/api/branch/list.do", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFetchWrapsTransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := New(&pageGetter{fail: boom}, Config{}, nil).Fetch(context.Background(), conn, "/api/x/list.do", nil)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "page 1")
}
