package migration

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
	"github.com/JakeFAU/accurate-migrator/internal/mapping/memory"
	"github.com/JakeFAU/accurate-migrator/internal/module"
	"github.com/JakeFAU/accurate-migrator/internal/normalize"
	"github.com/JakeFAU/accurate-migrator/internal/record"
)

type postCall struct {
	conn accurate.Conn
	path string
	body []byte
}

// scriptedPoster answers each Post with the next scripted response.
type scriptedPoster struct {
	mu        sync.Mutex
	calls     []postCall
	responses []func() (accurate.Envelope, error)
}

func (p *scriptedPoster) Post(_ context.Context, conn accurate.Conn, path string, body any) (accurate.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, _ := json.Marshal(body)
	p.calls = append(p.calls, postCall{conn: conn, path: path, body: data})
	idx := len(p.calls) - 1
	if idx >= len(p.responses) {
		return accurate.DecodeEnvelope([]byte(`{"s":true}`))
	}
	return p.responses[idx]()
}

func reply(raw string) func() (accurate.Envelope, error) {
	return func() (accurate.Envelope, error) {
		return accurate.DecodeEnvelope([]byte(raw))
	}
}

func fail(err error) func() (accurate.Envelope, error) {
	return func() (accurate.Envelope, error) { return accurate.Envelope{}, err }
}

type listCall struct {
	conn     accurate.Conn
	endpoint string
	params   url.Values
}

// fakePager serves canned listings per endpoint.
type fakePager struct {
	mu       sync.Mutex
	listings map[string][]record.Record
	err      error
	calls    []listCall
}

func (p *fakePager) Fetch(_ context.Context, conn accurate.Conn, endpoint string, params url.Values) ([]record.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, listCall{conn: conn, endpoint: endpoint, params: params})
	if p.err != nil {
		return nil, p.err
	}
	return p.listings[endpoint], nil
}

func (p *fakePager) Lister(conn accurate.Conn) module.Lister {
	return pagerLister{p: p, conn: conn}
}

type pagerLister struct {
	p    *fakePager
	conn accurate.Conn
}

func (l pagerLister) FetchAll(ctx context.Context, endpoint string, params url.Values) ([]record.Record, error) {
	return l.p.Fetch(ctx, l.conn, endpoint, params)
}

var (
	dest   = accurate.Conn{AccessToken: "tok", Host: "https://dest.example", SessionID: "s-dest", DatabaseID: 77}
	source = accurate.Conn{AccessToken: "tok", Host: "https://src.example", SessionID: "s-src", DatabaseID: 11}
)

func records(t *testing.T, raws ...string) []record.Record {
	t.Helper()
	out := make([]record.Record, len(raws))
	for i, raw := range raws {
		rec, err := record.Decode([]byte(raw))
		require.NoError(t, err)
		out[i] = rec
	}
	return out
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestSaveOneByOneCountsPartialFailures(t *testing.T) {
	t.Parallel()

	poster := &scriptedPoster{responses: []func() (accurate.Envelope, error){
		reply(`{"s":true,"r":{"name":"W1"}}`),
		fail(accurate.ErrUpstreamUnavailable),
		reply(`{"s":true,"r":{"name":"W3"}}`),
		reply(`{"s":false,"d":["Nama sudah dipakai"]}`),
		reply(`{"s":true,"r":{"name":"W5"}}`),
	}}
	o := NewOrchestrator(poster, &fakePager{}, nil, nil, Config{}, nil)

	res, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "/api/warehouse/bulk-save.do",
		Dest:     dest,
		Records: records(t,
			`{"id":1,"name":"W1","locationId":3}`,
			`{"id":2,"name":"W2"}`,
			`{"id":3,"name":"W3"}`,
			`{"id":4,"name":"W4"}`,
			`{"id":5,"name":"W5"}`,
		),
	})
	require.NoError(t, err)
	require.Equal(t, StrategySingle, res.Strategy)
	require.Equal(t, 5, res.Total)
	require.Equal(t, 3, res.Success)
	require.Equal(t, 2, res.Failed)
	require.False(t, res.S)
	require.Len(t, res.D, 5)
	require.JSONEq(t, `{"s":false,"d":"accurate: upstream unavailable"}`, string(res.D[1]))

	require.Len(t, poster.calls, 5)
	for _, c := range poster.calls {
		require.Equal(t, "/api/warehouse/save.do", c.path)
		require.Equal(t, dest, c.conn)
	}
	require.Equal(t, map[string]any{"name": "W1"}, decodeBody(t, poster.calls[0].body))
}

func TestSaveOneByOneAllSucceed(t *testing.T) {
	t.Parallel()

	poster := &scriptedPoster{}
	o := NewOrchestrator(poster, nil, nil, nil, Config{}, nil)

	res, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "price-category",
		Dest:     dest,
		Records:  records(t, `{"name":"A"}`, `{"name":"B"}`),
	})
	require.NoError(t, err)
	require.True(t, res.S)
	require.Equal(t, 2, res.Success)
	require.Equal(t, "/api/price-category/save.do", poster.calls[0].path)
}

func TestSaveOneByOneStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	poster := &scriptedPoster{responses: []func() (accurate.Envelope, error){
		func() (accurate.Envelope, error) {
			cancel()
			return accurate.DecodeEnvelope([]byte(`{"s":true,"r":{"number":"WO-NEW"}}`))
		},
	}}
	store := memory.New(nil)
	o := NewOrchestrator(poster, nil, nil, store, Config{}, nil)

	res, err := o.Save(ctx, SaveRequest{
		Endpoint: "/api/work-order/bulk-save.do",
		Dest:     dest,
		Records:  records(t, `{"number":"WO-1"}`, `{"number":"WO-2"}`),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, poster.calls, 1)
	require.Equal(t, 1, res.Success)

	got, found, err := store.Get(context.Background(), dest.DatabaseID, "work-order", "WO-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "WO-NEW", got)
}

func TestSaveBulkSendsOneCallAndStoresMappings(t *testing.T) {
	t.Parallel()

	poster := &scriptedPoster{responses: []func() (accurate.Envelope, error){
		reply(`{"s":true,"d":[
			{"s":true,"r":{"id":901,"number":"PO.2024.001"}},
			{"s":false,"d":["Barang tidak ditemukan"]},
			{"s":true,"r":{"id":903,"number":"PO.2024.003"}}
		]}`),
	}}
	store := memory.New(nil)
	o := NewOrchestrator(poster, &fakePager{}, normalize.New(store, nil), store, Config{}, nil)

	res, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "/api/purchase-order/bulk-save.do",
		Dest:     dest,
		Source:   &source,
		Records: records(t,
			`{"id":1,"number":"PO-1","vendor":{"vendorNo":"V-1"},"detailItem":[{"item":{"no":"I-1"},"quantity":1}]}`,
			`{"id":2,"number":"PO-2","vendor":{"vendorNo":"V-1"}}`,
			`{"id":3,"number":"PO-3","vendor":{"vendorNo":"V-2"}}`,
		),
	})
	require.NoError(t, err)
	require.Equal(t, StrategyBulk, res.Strategy)
	require.True(t, res.S)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 2, res.Success)
	require.Equal(t, 1, res.Failed)

	require.Len(t, poster.calls, 1)
	require.Equal(t, "/api/purchase-order/bulk-save.do", poster.calls[0].path)
	body := decodeBody(t, poster.calls[0].body)
	data := body["data"].([]any)
	require.Len(t, data, 3)
	require.Equal(t, map[string]any{
		"vendorNo":   "V-1",
		"detailItem": []any{map[string]any{"itemNo": "I-1", "quantity": float64(1)}},
	}, data[0])

	got, found, err := store.Get(context.Background(), dest.DatabaseID, "purchase-order", "PO-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "PO.2024.001", got)

	_, found, err = store.Get(context.Background(), dest.DatabaseID, "purchase-order", "PO-2")
	require.NoError(t, err)
	require.False(t, found)

	got, _, _ = store.Get(context.Background(), dest.DatabaseID, "purchase-order", "PO-3")
	require.Equal(t, "PO.2024.003", got)

	m := store.All()
	require.Len(t, m, 2)
	for _, row := range m {
		if row.OldNumber == "PO-1" {
			require.JSONEq(t, `{"s":true,"r":{"id":901,"number":"PO.2024.001"}}`, string(row.RawResponse))
		}
	}
}

func TestSaveBulkRejectionIsBatchError(t *testing.T) {
	t.Parallel()

	poster := &scriptedPoster{responses: []func() (accurate.Envelope, error){
		reply(`{"s":false,"d":[{"s":true,"r":{"number":"X"}},{"s":false,"d":["bad"]}]}`),
	}}
	store := memory.New(nil)
	o := NewOrchestrator(poster, nil, nil, store, Config{}, nil)

	res, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "/api/sales-order/bulk-save.do",
		Dest:     dest,
		Records:  records(t, `{"number":"SO-1"}`, `{"number":"SO-2"}`),
	})
	require.ErrorIs(t, err, accurate.ErrUpstreamRejected)
	require.False(t, res.S)
	require.Len(t, poster.calls, 1)
	require.Empty(t, store.All())
}

func TestSaveBulkTransportFailureIsBatchError(t *testing.T) {
	t.Parallel()

	poster := &scriptedPoster{responses: []func() (accurate.Envelope, error){
		fail(accurate.ErrUpstreamUnavailable),
	}}
	o := NewOrchestrator(poster, nil, nil, nil, Config{}, nil)

	_, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "/api/sales-order/bulk-save.do",
		Dest:     dest,
		Records:  records(t, `{"number":"SO-1"}`, `{"number":"SO-2"}`),
	})
	require.ErrorIs(t, err, accurate.ErrUpstreamUnavailable)
	// never downgraded to single saves
	require.Len(t, poster.calls, 1)
}

func TestSaveTaxResolvesGLAccounts(t *testing.T) {
	t.Parallel()

	pager := &fakePager{listings: map[string][]record.Record{
		"/api/glaccount/list.do": records(t,
			`{"id":10,"no":"2101"}`,
			`{"id":20,"no":"1105"}`,
		),
	}}
	poster := &scriptedPoster{}
	o := NewOrchestrator(poster, pager, nil, nil, Config{}, nil)

	_, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "/api/tax/bulk-save.do",
		Dest:     dest,
		Source:   &source,
		Records: records(t,
			`{"taxName":"PPN","salesTaxGlAccountId":10,"purchaseTaxGlAccountId":20}`,
			`{"taxName":"PPh","salesTaxGlAccountId":99,"purchaseTaxGlAccountId":null}`,
		),
	})
	require.NoError(t, err)

	require.Len(t, pager.calls, 1)
	require.Equal(t, "/api/glaccount/list.do", pager.calls[0].endpoint)
	require.Equal(t, "10000", pager.calls[0].params.Get("sp.pageSize"))
	require.Equal(t, source, pager.calls[0].conn)

	data := decodeBody(t, poster.calls[0].body)["data"].([]any)
	require.Equal(t, map[string]any{
		"taxName":                "PPN",
		"salesTaxGlAccountNo":    "2101",
		"purchaseTaxGlAccountNo": "1105",
	}, data[0])
	require.Equal(t, map[string]any{"taxName": "PPh"}, data[1])
}

func TestSaveTaxLookupFailureDropsIDs(t *testing.T) {
	t.Parallel()

	pager := &fakePager{err: errors.New("list failed")}
	poster := &scriptedPoster{}
	o := NewOrchestrator(poster, pager, nil, nil, Config{}, nil)

	_, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "/api/tax/bulk-save.do",
		Dest:     dest,
		Records:  records(t, `{"taxName":"PPN","salesTaxGlAccountId":10}`),
	})
	require.NoError(t, err)
	require.Equal(t, dest, pager.calls[0].conn)

	data := decodeBody(t, poster.calls[0].body)["data"].([]any)
	require.Equal(t, map[string]any{"taxName": "PPN"}, data[0])
}

func TestSavePreCapturesBranchesOnce(t *testing.T) {
	t.Parallel()

	pager := &fakePager{listings: map[string][]record.Record{
		"/api/branch/list.do": records(t, `{"id":1,"name":"Jakarta"}`, `{"id":2,"name":"Surabaya"}`),
	}}
	poster := &scriptedPoster{}
	o := NewOrchestrator(poster, pager, nil, nil, Config{}, nil)

	_, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "/api/customer/bulk-save.do",
		Dest:     dest,
		Source:   &source,
		Records:  records(t, `{"name":"A","branchId":2}`, `{"name":"B","branchId":1}`, `{"name":"C","branchId":5}`),
	})
	require.NoError(t, err)
	require.Len(t, pager.calls, 1)

	data := decodeBody(t, poster.calls[0].body)["data"].([]any)
	require.Equal(t, map[string]any{"name": "A", "branchName": "Surabaya"}, data[0])
	require.Equal(t, map[string]any{"name": "B", "branchName": "Jakarta"}, data[1])
	require.Equal(t, map[string]any{"name": "C", "branchId": float64(5)}, data[2])
}

func TestSaveWithoutDatabaseIDSkipsMappings(t *testing.T) {
	t.Parallel()

	poster := &scriptedPoster{responses: []func() (accurate.Envelope, error){
		reply(`{"s":true,"d":[{"s":true,"r":{"number":"N"}}]}`),
	}}
	store := memory.New(nil)
	o := NewOrchestrator(poster, nil, nil, store, Config{}, nil)

	noID := dest
	noID.DatabaseID = 0
	res, err := o.Save(context.Background(), SaveRequest{
		Endpoint: "/api/sales-invoice/bulk-save.do",
		Dest:     noID,
		Records:  records(t, `{"number":"SI-1"}`),
	})
	require.NoError(t, err)
	require.True(t, res.S)
	require.Empty(t, store.All())
}

func TestSaveValidatesRequest(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(&scriptedPoster{}, nil, nil, nil, Config{}, nil)

	_, err := o.Save(context.Background(), SaveRequest{Endpoint: "/api/item/bulk-save.do"})
	require.ErrorIs(t, err, accurate.ErrAuthMissing)

	_, err = o.Save(context.Background(), SaveRequest{Dest: dest})
	require.ErrorIs(t, err, ErrEmptyEndpoint)

	res, err := o.Save(context.Background(), SaveRequest{Endpoint: "/api/item/bulk-save.do", Dest: dest})
	require.NoError(t, err)
	require.True(t, res.S)
	require.Zero(t, res.Total)
}
