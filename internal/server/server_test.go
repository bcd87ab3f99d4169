package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap2p/internal/config"
	"swap2p/internal/confirm"
	"swap2p/internal/contracts"
	"swap2p/internal/escrow"
	"swap2p/internal/hmacauth"
	"swap2p/internal/journal"
	"swap2p/internal/tradeindex"
	"swap2p/internal/wallet"
)

const testSecret = "test-secret"

var escrowAddr = common.HexToAddress("0x5555555555555555555555555555555555555555")

type chainStub struct {
	enc *contracts.Encoder

	mu      sync.Mutex
	submits int
}

func (c *chainStub) Submit(_ context.Context, req wallet.TxRequest) (wallet.TxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	return wallet.TxHandle{Hash: common.BigToHash(big.NewInt(int64(c.submits))), ChainID: req.ChainID}, nil
}

func (c *chainStub) Read(context.Context, wallet.CallRequest) ([]byte, error) {
	return c.enc.PackFeeResult(big.NewInt(42))
}

type gateWaiter struct {
	gate chan struct{}
}

func (g *gateWaiter) Wait(ctx context.Context, _ wallet.TxHandle) (confirm.Result, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return confirm.Result{}, confirm.ErrCancelled
		}
	}
	return confirm.Result{Outcome: confirm.Confirmed}, nil
}

type stubTrades struct {
	recs []tradeindex.EscrowRecord
	err  error
	page tradeindex.Page
}

func (s *stubTrades) Fetch(_ context.Context, page tradeindex.Page) ([]tradeindex.EscrowRecord, error) {
	s.page = page
	return s.recs, s.err
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type harness struct {
	srv     *Server
	handler http.Handler
	session *wallet.Session
	waiter  *gateWaiter
	store   *journal.MemoryStore
	trades  *stubTrades
}

func newHarness(t *testing.T, rpc wallet.HealthChecker) *harness {
	t.Helper()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:    testSecret,
			HMACClockSkew: time.Minute,
		},
	}

	session := wallet.NewSession()
	session.Connect(common.HexToAddress("0x1111111111111111111111111111111111111111"), big.NewInt(1))
	waiter := &gateWaiter{}
	store := journal.NewMemoryStore()
	metrics := NewMetrics()
	orch := escrow.New(escrowAddr, session, &chainStub{enc: contracts.MustEncoder()}, waiter,
		escrow.WithJournal(store), escrow.WithTransitionHook(metrics.ObserveTransition))
	trades := &stubTrades{}

	srv := NewServer(cfg, Deps{
		Orchestrator: orch,
		Journal:      store,
		Trades:       trades,
		Metrics:      metrics,
		RPC:          rpc,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &harness{srv: srv, handler: srv.httpServer.Handler, session: session, waiter: waiter, store: store, trades: trades}
}

func (h *harness) do(t *testing.T, method, path string, body []byte, key string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	if sign {
		require.NoError(t, hmacauth.Sign(req, testSecret, time.Now()))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) waitPhase(t *testing.T, phase string) stateResponse {
	t.Helper()
	var st stateResponse
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/api/v1/trades/submission", nil, "", false)
		if rec.Code != http.StatusOK {
			return false
		}
		st = stateResponse{}
		_ = json.Unmarshal(rec.Body.Bytes(), &st)
		return st.Phase == phase
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

var tradeBody = []byte(`{
  "xAssetAddress": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1",
  "xAmount": "1000",
  "yAssetAddress": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb2",
  "yAmount": "500"
}`)

func TestSubmitTradeIdempotency(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "key-1", true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "key-1", accepted.SubmissionID)

	st := h.waitPhase(t, "completed")
	assert.Equal(t, "42", st.Fee)
	assert.NotEmpty(t, st.EscrowTx)

	rec2 := h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "key-1", true)
	require.Equal(t, http.StatusOK, rec2.Code)
	var cached submissionResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &cached))
	assert.Equal(t, "completed", cached.Phase)
	assert.Equal(t, st.EscrowTx, cached.EscrowTx)

	rec3 := h.do(t, http.MethodGet, "/api/v1/submissions/key-1", nil, "", false)
	require.Equal(t, http.StatusOK, rec3.Code)

	rec4 := h.do(t, http.MethodGet, "/api/v1/submissions", nil, "", false)
	require.Equal(t, http.StatusOK, rec4.Code)
	var list []submissionResponse
	require.NoError(t, json.Unmarshal(rec4.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	metrics := h.do(t, http.MethodGet, "/api/v1/metrics", nil, "", false)
	assert.Contains(t, metrics.Body.String(), `swap2p_submissions_total{result="completed"} 1`)
	assert.Contains(t, metrics.Body.String(), `swap2p_submit_requests_total{status="cached"} 1`)
}

// unreadableJournal records normally but cannot serve lookups.
type unreadableJournal struct {
	*journal.MemoryStore
	err error
}

func (j *unreadableJournal) Get(context.Context, string) (*journal.Entry, error) {
	return nil, j.err
}

func TestSubmitRefusesWhenJournalUnreadable(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "key-1", true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.waitPhase(t, "completed")

	h.srv.store = &unreadableJournal{MemoryStore: h.store, err: errors.New("connection reset by peer")}

	rec = h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "key-1", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	st := h.srv.orch.State()
	assert.Equal(t, 1, st.Attempt, "a replayed key must not start another submission")
	assert.Equal(t, "completed", st.Phase.String())

	metrics := h.do(t, http.MethodGet, "/api/v1/metrics", nil, "", false)
	assert.Contains(t, metrics.Body.String(), `swap2p_submit_requests_total{status="unavailable"} 1`)
}

func TestSubmitRequiresSignatureAndKey(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "key-1", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsInvalidProposal(t *testing.T) {
	h := newHarness(t, nil)
	body := []byte(`{"xAssetAddress": "0x12", "xAmount": "1.5", "yAssetAddress": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb2", "yAmount": "500"}`)

	rec := h.do(t, http.MethodPost, "/api/v1/trades", body, "bad", true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Fields []struct{ Field string } `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var fields []string
	for _, f := range resp.Fields {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{"xAssetAddress", "xAmount"}, fields)

	_, err := h.store.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestSecondSubmitConflicts(t *testing.T) {
	h := newHarness(t, nil)
	h.waiter.gate = make(chan struct{})

	rec := h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "first", true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.waitPhase(t, "awaiting_spend_confirmation")

	rec = h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "second", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(h.waiter.gate)
	h.waitPhase(t, "completed")
}

func TestCancelSubmission(t *testing.T) {
	h := newHarness(t, nil)
	h.waiter.gate = make(chan struct{})

	rec := h.do(t, http.MethodDelete, "/api/v1/trades/submission", nil, "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "to-cancel", true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.waitPhase(t, "awaiting_spend_confirmation")

	rec = h.do(t, http.MethodDelete, "/api/v1/trades/submission", nil, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var st stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "idle", st.Phase)
	assert.NotEmpty(t, st.ApprovalTx)
	assert.Nil(t, st.Failure)
}

func TestSubmitWithoutWallet(t *testing.T) {
	h := newHarness(t, nil)
	h.session.Disconnect()

	rec := h.do(t, http.MethodPost, "/api/v1/trades", tradeBody, "k", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListTrades(t *testing.T) {
	h := newHarness(t, nil)
	h.trades.recs = []tradeindex.EscrowRecord{{ID: "7", XAmount: big.NewInt(1), YAmount: big.NewInt(2)}}

	rec := h.do(t, http.MethodGet, "/api/v1/trades", nil, "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tradeindex.DefaultPage, h.trades.page)
	assert.Contains(t, rec.Body.String(), `"id":"7"`)

	rec = h.do(t, http.MethodGet, "/api/v1/trades?offset=10&limit=5", nil, "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tradeindex.Page{Offset: 10, Limit: 5}, h.trades.page)

	rec = h.do(t, http.MethodGet, "/api/v1/trades?limit=-1", nil, "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.trades.err = tradeindex.ErrUnavailable
	rec = h.do(t, http.MethodGet, "/api/v1/trades", nil, "", false)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.HasPrefix(string(body), tradeindex.FailureNotice))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, pinger{})
	rec := h.do(t, http.MethodGet, "/api/v1/health", nil, "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"submission":"idle"`)

	h = newHarness(t, pinger{err: errors.New("dial tcp: refused")})
	rec = h.do(t, http.MethodGet, "/api/v1/health", nil, "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "refused")
}
