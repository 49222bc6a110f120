package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
)

func newTestServer() (*state.SharedState, http.Handler) {
	shared := state.NewSharedState(1, registers.NewContext(registers.Capacities{
		Coils: 20, DiscreteInputs: 4, InputRegisters: 2, HoldingRegisters: 5,
	}))
	return shared, NewServer(shared).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestOverview(t *testing.T) {
	_, h := newTestServer()
	rec := do(t, h, http.MethodGet, "/registers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	ov := decode[Overview](t, rec)
	assert.Equal(t, uint8(1), ov.UnitID)
	assert.Equal(t, 20, ov.Banks.Coils)
	assert.Len(t, ov.Registers.Coils, 20)
	assert.Len(t, ov.Registers.HoldingRegisters, 5)
}

func TestPatchThenReadRange(t *testing.T) {
	shared, h := newTestServer()

	rec := do(t, h, http.MethodPatch, "/registers/holdingRegisters", `{"start":0,"values":[20,0,0,5]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/registers/holdingRegisters?start=0&count=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[RangeResponse](t, rec)
	assert.Equal(t, []uint16{20, 0, 0, 5}, got.Values)
	assert.Equal(t, "holdingRegisters", got.Bank)

	rec = do(t, h, http.MethodPatch, "/registers/coils", `{"start":18,"values":[1,7]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, true}, shared.Snapshot().Coils[18:])

	rec = do(t, h, http.MethodGet, "/registers/coils?start=17", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uint16{0, 1, 1}, decode[RangeResponse](t, rec).Values)
}

func TestSingleCell(t *testing.T) {
	shared, h := newTestServer()

	rec := do(t, h, http.MethodPut, "/registers/inputRegisters/1", `{"value":321}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint16(321), shared.Snapshot().InputRegisters[1])

	rec = do(t, h, http.MethodGet, "/registers/inputRegisters/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint16(321), decode[ValueBody](t, rec).Value)
}

func TestToggle(t *testing.T) {
	shared, h := newTestServer()

	rec := do(t, h, http.MethodPost, "/registers/coils/3/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, shared.Snapshot().Coils[3])

	rec = do(t, h, http.MethodPost, "/registers/coils/3/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, shared.Snapshot().Coils[3])

	rec = do(t, h, http.MethodPost, "/registers/holdingRegisters/0/toggle", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPressReleases(t *testing.T) {
	shared, h := newTestServer()

	rec := do(t, h, http.MethodPost, "/registers/discreteInputs/2/press/tap", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, shared.Snapshot().DiscreteInputs[2])

	assert.Eventually(t, func() bool {
		return !shared.Snapshot().DiscreteInputs[2]
	}, 2*time.Second, 20*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/registers/discreteInputs/2/press/forever", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrors(t *testing.T) {
	shared, h := newTestServer()
	testCases := []struct {
		desc   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown bank", http.MethodGet, "/registers/flags", "", http.StatusNotFound},
		{"bad index", http.MethodGet, "/registers/coils/x", "", http.StatusBadRequest},
		{"coil past end", http.MethodGet, "/registers/coils/25", "", http.StatusUnprocessableEntity},
		{"range past end", http.MethodGet, "/registers/holdingRegisters?start=3&count=3", "", http.StatusUnprocessableEntity},
		{"start past end", http.MethodGet, "/registers/holdingRegisters?start=9", "", http.StatusUnprocessableEntity},
		{"bad count", http.MethodGet, "/registers/holdingRegisters?count=-1", "", http.StatusBadRequest},
		{"bad json", http.MethodPatch, "/registers/coils", `{"start":`, http.StatusBadRequest},
		{"unknown field", http.MethodPut, "/registers/coils/1", `{"v":1}`, http.StatusBadRequest},
		{"empty values", http.MethodPatch, "/registers/coils", `{"start":0,"values":[]}`, http.StatusBadRequest},
		{"write past end", http.MethodPatch, "/registers/holdingRegisters", `{"start":4,"values":[1,2]}`, http.StatusUnprocessableEntity},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			rec := do(t, h, tC.method, tC.path, tC.body)
			assert.Equal(t, tC.status, rec.Code, rec.Body.String())
		})
	}
	// failed bulk writes leave the bank untouched
	assert.Equal(t, []uint16{0, 0, 0, 0, 0}, shared.Snapshot().HoldingRegisters)
}

func TestRunStopsOnCancel(t *testing.T) {
	shared, _ := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(shared).Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/registers")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("control API did not stop")
	}
}
