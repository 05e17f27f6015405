package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chainpay/broadcast"
	"chainpay/config"
	"chainpay/ledger"
	"chainpay/monitor"
	"chainpay/session"
	"chainpay/settle"
)

type fakeLedger struct {
	balance  *big.Int
	stats    ledger.TreasuryStats
	statsErr error
	height   uint64
	block    ledger.BlockSnapshot
	earnings *big.Int
	healthy  bool
}

func (f *fakeLedger) Balance(ctx context.Context, address string) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeLedger) BlockHeight(ctx context.Context) (uint64, error) {
	return f.height, nil
}

func (f *fakeLedger) LatestBlock(ctx context.Context) (ledger.BlockSnapshot, error) {
	return f.block, nil
}

func (f *fakeLedger) TreasuryStats(ctx context.Context) (ledger.TreasuryStats, error) {
	if f.statsErr != nil {
		return ledger.TreasuryStats{}, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeLedger) UserEarnings(ctx context.Context, address string) (*big.Int, error) {
	return f.earnings, nil
}

func (f *fakeLedger) Healthy(ctx context.Context) bool { return f.healthy }

type fakeSubmitter struct {
	err    error
	hashes int
}

func (f *fakeSubmitter) SubmitReward(ctx context.Context, recipient string, amount *big.Int) (common.Hash, error) {
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.hashes++
	return common.BigToHash(big.NewInt(int64(f.hashes))), nil
}

func testServer(t *testing.T, lgr *fakeLedger, sub *fakeSubmitter) *Server {
	t.Helper()
	cfg := config.Config{
		ContractAddress: "0x00000000000000000000000000000000000000f0",
		RewardPerBeat:   "1000",
	}
	registry := session.NewRegistry()
	hub := broadcast.NewHub(registry, nil, nil)
	coord := settle.NewCoordinator(sub)
	return New(cfg, lgr, coord, registry, hub, monitor.NewTracker(), nil, nil)
}

func get(t *testing.T, handler http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	lgr := &fakeLedger{healthy: true}
	srv := testServer(t, lgr, &fakeSubmitter{})
	router := srv.Router()

	var resp healthResponse
	rec := get(t, router, "/api/health", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", resp.Status)
	require.True(t, resp.Blockchain)

	lgr.healthy = false
	get(t, router, "/api/health", &resp)
	require.Equal(t, "degraded", resp.Status)
	require.False(t, resp.Blockchain)
}

func TestStatsEndpoint(t *testing.T) {
	lgr := &fakeLedger{
		stats: ledger.TreasuryStats{
			Balance:          big.NewInt(5e18),
			TotalDistributed: big.NewInt(2e18),
			TotalClaims:      9,
			RewardRate:       big.NewInt(0), // zero rate falls back to config
		},
		height:  77,
		healthy: true,
	}
	srv := testServer(t, lgr, &fakeSubmitter{})

	var resp statsResponse
	rec := get(t, srv.Router(), "/api/stats", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "5000000000000000000", resp.TreasuryBalanceWei)
	require.Equal(t, int64(9), resp.TotalClaims)
	require.Equal(t, uint64(77), resp.CurrentBlockHeight)
	require.Equal(t, 0, resp.ActiveConnections)
	require.Equal(t, "1000", resp.RewardPerHeartbeat)
	require.True(t, strings.HasPrefix(resp.TreasuryBalance, "5.0"))
}

func TestStatsEndpointLedgerError(t *testing.T) {
	lgr := &fakeLedger{statsErr: ledger.ErrLedgerUnreachable}
	srv := testServer(t, lgr, &fakeSubmitter{})

	rec := get(t, srv.Router(), "/api/stats", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBalanceEndpoint(t *testing.T) {
	lgr := &fakeLedger{balance: big.NewInt(1500)}
	srv := testServer(t, lgr, &fakeSubmitter{})

	var resp balanceResponse
	rec := get(t, srv.Router(), "/api/balance/0x00000000000000000000000000000000000000aa", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", resp.Address)
	require.Equal(t, "1500", resp.BalanceWei)
}

func TestHeartbeatEndpoint(t *testing.T) {
	lgr := &fakeLedger{balance: big.NewInt(1000)}
	sub := &fakeSubmitter{}
	srv := testServer(t, lgr, sub)
	router := srv.Router()

	body := strings.NewReader(`{"wallet_address":"0x00000000000000000000000000000000000000aa"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/heartbeat", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp heartbeatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.Equal(t, "1000", resp.RewardWei)
	require.NotEmpty(t, resp.TxHash)
	require.NotEmpty(t, resp.NewBalance)

	// Missing wallet address.
	req = httptest.NewRequest(http.MethodPost, "/api/heartbeat", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed body.
	req = httptest.NewRequest(http.MethodPost, "/api/heartbeat", strings.NewReader(`{broken`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatEndpointFailure(t *testing.T) {
	lgr := &fakeLedger{}
	sub := &fakeSubmitter{err: ledger.ErrInsufficientTreasury}
	srv := testServer(t, lgr, sub)

	body := strings.NewReader(`{"wallet_address":"0x00000000000000000000000000000000000000aa"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/heartbeat", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp heartbeatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.Success)
	require.Equal(t, "Treasury balance exhausted", resp.Message)
	require.Empty(t, resp.TxHash)
}

func TestTreasuryEndpoint(t *testing.T) {
	lgr := &fakeLedger{
		stats: ledger.TreasuryStats{
			Balance:          big.NewInt(1e18),
			TotalDistributed: big.NewInt(0),
			TotalClaims:      0,
			RewardRate:       big.NewInt(2500),
		},
	}
	srv := testServer(t, lgr, &fakeSubmitter{})

	var resp treasuryResponse
	rec := get(t, srv.Router(), "/api/treasury", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0x00000000000000000000000000000000000000f0", resp.ContractAddress)
	require.Equal(t, "1000000000000000000", resp.BalanceWei)
	require.Equal(t, "2500", resp.RewardPerHeartbeat)
}

func TestLatestBlockEndpoint(t *testing.T) {
	lgr := &fakeLedger{
		block: ledger.BlockSnapshot{Number: 42, Hash: "0xdead", Timestamp: time.Unix(1700000000, 0), TxCount: 2},
	}
	srv := testServer(t, lgr, &fakeSubmitter{})

	var resp ledger.BlockSnapshot
	rec := get(t, srv.Router(), "/api/block/latest", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(42), resp.Number)
	require.Equal(t, "0xdead", resp.Hash)
	require.Equal(t, 2, resp.TxCount)
}

func TestUserEarningsEndpoint(t *testing.T) {
	lgr := &fakeLedger{earnings: big.NewInt(7500)}
	srv := testServer(t, lgr, &fakeSubmitter{})

	var resp earningsResponse
	rec := get(t, srv.Router(), "/api/user/0x00000000000000000000000000000000000000aa/earnings", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "7500", resp.EarningsWei)
}

// TestWebSocketSessionFlow runs a full observer session over a real websocket:
// connect, register a wallet, send heartbeats, and receive the reward events.
func TestWebSocketSessionFlow(t *testing.T) {
	lgr := &fakeLedger{balance: big.NewInt(0), healthy: true}
	sub := &fakeSubmitter{}
	srv := testServer(t, lgr, sub)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var welcome connectedPayload
	require.NoError(t, wsjson.Read(ctx, conn, &welcome))
	require.Equal(t, "connected", welcome.Type)
	require.Equal(t, "1000", welcome.Config.RewardPerHeartbeat)

	// Heartbeat before registering a wallet is rejected.
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "heartbeat"}))
	var errMsg errorPayload
	require.NoError(t, wsjson.Read(ctx, conn, &errMsg))
	require.Equal(t, "error", errMsg.Type)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type":           "register",
		"wallet_address": "0x00000000000000000000000000000000000000aa",
	}))
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "heartbeat"}))

	var reward broadcast.RewardEvent
	require.NoError(t, wsjson.Read(ctx, conn, &reward))
	require.Equal(t, "reward", reward.Type)
	require.True(t, reward.Success)
	require.Equal(t, "1000", reward.RewardWei)
	require.Equal(t, int64(1), reward.Heartbeats)
	require.Equal(t, "1000", reward.TotalEarned)
	require.NotEmpty(t, reward.TxHash)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "ping"}))
	var pong pongPayload
	require.NoError(t, wsjson.Read(ctx, conn, &pong))
	require.Equal(t, "pong", pong.Type)

	// Unknown message types get an error payload, not a closed connection.
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "subscribe"}))
	require.NoError(t, wsjson.Read(ctx, conn, &errMsg))
	require.Equal(t, "error", errMsg.Type)
}

func TestWebSocketRejectsInvalidWallet(t *testing.T) {
	srv := testServer(t, &fakeLedger{}, &fakeSubmitter{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var welcome connectedPayload
	require.NoError(t, wsjson.Read(ctx, conn, &welcome))

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
		"type":           "register",
		"wallet_address": "not-a-wallet",
	}))
	var errMsg errorPayload
	require.NoError(t, wsjson.Read(ctx, conn, &errMsg))
	require.Equal(t, "error", errMsg.Type)
	require.Equal(t, "invalid wallet address", errMsg.Message)
}

func TestWeiToEther(t *testing.T) {
	require.Equal(t, "0", weiToEther(nil))
	require.True(t, strings.HasPrefix(weiToEther(big.NewInt(1e18)), "1.0"))
	require.True(t, strings.HasPrefix(weiToEther(big.NewInt(5e17)), "0.5"))
}
