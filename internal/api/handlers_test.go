package api

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
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"raceroom/internal/models"
	"raceroom/internal/service"
)

var (
	sponsor = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	txHash  = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")
)

type fakeActions struct {
	account    models.Account
	connectErr error
	rooms      map[string]models.Room
	submitErr  error
	lastCreate service.CreateRoomRequest
	lastDist   service.DistributePrizesRequest
	history    []models.ActionRecord
	messages   []service.Message
}

func newFakeActions() *fakeActions {
	return &fakeActions{rooms: make(map[string]models.Room)}
}

func (f *fakeActions) Connect(ctx context.Context) (models.Account, error) {
	if f.connectErr != nil {
		return models.Account{}, f.connectErr
	}
	f.account = models.Account{Address: models.NormalizeAddress(alice), ChainID: "11155111"}
	return f.account, nil
}

func (f *fakeActions) Disconnect() { f.account = models.Account{} }

func (f *fakeActions) Account() (models.Account, bool) { return f.account, !f.account.IsZero() }

func (f *fakeActions) pending(kind models.ActionKind, roomID string) (models.PendingTransaction, error) {
	if f.submitErr != nil {
		return models.PendingTransaction{}, f.submitErr
	}
	id, _ := new(big.Int).SetString(roomID, 10)
	return models.PendingTransaction{
		Hash: txHash, Kind: kind, RoomID: id, Status: models.TxStatusPending,
		SubmittedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeActions) CreateRoom(ctx context.Context, req service.CreateRoomRequest) (models.PendingTransaction, error) {
	f.lastCreate = req
	return f.pending(models.ActionCreateRoom, req.RoomID)
}

func (f *fakeActions) JoinRoom(ctx context.Context, req service.JoinRoomRequest) (models.PendingTransaction, error) {
	return f.pending(models.ActionJoinRoom, req.RoomID)
}

func (f *fakeActions) DistributePrizes(ctx context.Context, req service.DistributePrizesRequest) (models.PendingTransaction, error) {
	f.lastDist = req
	return f.pending(models.ActionDistributePrizes, req.RoomID)
}

func (f *fakeActions) Abandon(hash string) (models.PendingTransaction, error) {
	if hash != txHash.Hex() {
		return models.PendingTransaction{}, models.ErrTxNotTracked
	}
	return f.pending(models.ActionJoinRoom, "101")
}

func (f *fakeActions) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	room, ok := f.rooms[roomID]
	if !ok {
		return models.Room{}, models.ErrRoomNotFound
	}
	return room, nil
}

func (f *fakeActions) Rooms(sponsorFilter string) ([]models.Room, error) {
	var out []models.Room
	for _, r := range f.rooms {
		if sponsorFilter == "" || strings.EqualFold(r.Sponsor.Hex(), sponsorFilter) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeActions) Permissions(ctx context.Context, roomID string) (models.Room, models.RoomActions, error) {
	room, err := f.GetRoom(ctx, roomID)
	if err != nil {
		return models.Room{}, models.RoomActions{}, err
	}
	return room, room.ActionsFor(f.account), nil
}

func (f *fakeActions) Transaction(ctx context.Context, hash string) (models.PendingTransaction, error) {
	return f.Abandon(hash)
}

func (f *fakeActions) Pending() []models.PendingTransaction {
	tx, _ := f.pending(models.ActionJoinRoom, "101")
	return []models.PendingTransaction{tx}
}

func (f *fakeActions) AccountHistory(ctx context.Context, account string, limit, offset int) ([]models.ActionRecord, error) {
	if !common.IsHexAddress(account) {
		return nil, models.NewValidationError("address", "must be a hex address")
	}
	return f.history, nil
}

func (f *fakeActions) RoomHistory(ctx context.Context, roomID string, limit, offset int) ([]models.ActionRecord, error) {
	return f.history, nil
}

func (f *fakeActions) Messages(limit int) []service.Message {
	return f.messages
}

type fakeFeed struct {
	ch chan models.Room
}

func (f *fakeFeed) Subscribe() (<-chan models.Room, func()) {
	return f.ch, func() {}
}

type fakeFees struct {
	balance int64
}

func (f *fakeFees) estimate(kind models.ActionKind, roomID string, value int64) (*service.CostEstimate, error) {
	if _, err := models.ParseRoomID(roomID); err != nil {
		return nil, err
	}
	gasCost, total, err := service.TotalCost(100_000, big.NewInt(2_000_000_000), big.NewInt(value))
	if err != nil {
		return nil, err
	}
	balance := big.NewInt(f.balance)
	return &service.CostEstimate{
		Action:     kind,
		RoomID:     roomID,
		GasLimit:   100_000,
		GasPrice:   big.NewInt(2_000_000_000),
		GasCost:    gasCost,
		Value:      big.NewInt(value),
		Total:      total,
		Balance:    balance,
		Sufficient: balance.Cmp(total) >= 0,
	}, nil
}

func (f *fakeFees) EstimateCreateRoom(ctx context.Context, req service.CreateRoomRequest) (*service.CostEstimate, error) {
	return f.estimate(models.ActionCreateRoom, req.RoomID, 1_000_000_000_000_000)
}

func (f *fakeFees) EstimateJoinRoom(ctx context.Context, req service.JoinRoomRequest) (*service.CostEstimate, error) {
	return f.estimate(models.ActionJoinRoom, req.RoomID, 0)
}

func (f *fakeFees) EstimateDistributePrizes(ctx context.Context, req service.DistributePrizesRequest) (*service.CostEstimate, error) {
	return f.estimate(models.ActionDistributePrizes, req.RoomID, 0)
}

type testServer struct {
	actions  *fakeActions
	notifier *service.Notifier
	feed     *fakeFeed
	fees     *fakeFees
	server   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	ts := &testServer{
		actions:  newFakeActions(),
		notifier: service.NewNotifier(10, logger),
		feed:     &fakeFeed{ch: make(chan models.Room, 1)},
		fees:     &fakeFees{balance: 500_000_000_000_000},
	}
	handler := NewHandler(ts.actions, ts.notifier, ts.feed, nil, ts.fees, logger)
	ts.server = httptest.NewServer(SetupRouter(handler, logger))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func room101() models.Room {
	return models.Room{
		ID:           big.NewInt(101),
		Sponsor:      sponsor,
		PrizePool:    big.NewInt(1_000_000_000_000_000),
		Exists:       true,
		Status:       models.RoomStatusCreated,
		Participants: []common.Address{alice},
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.Equal(t, "1.0.0", gjson.Get(body, "version").String())
}

func TestWalletEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/api/v1/wallet/account", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, gjson.Get(body, "connected").Bool())

	status, body = ts.do(t, http.MethodPost, "/api/v1/wallet/connect", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, gjson.Get(body, "connected").Bool())
	assert.Equal(t, models.NormalizeAddress(alice), gjson.Get(body, "address").String())

	status, _ = ts.do(t, http.MethodPost, "/api/v1/wallet/disconnect", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, ts.actions.account.IsZero())

	ts.actions.connectErr = models.ErrWalletUnavailable
	status, body = ts.do(t, http.MethodPost, "/api/v1/wallet/connect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "wallet", gjson.Get(body, "kind").String())
}

func TestGetRoom(t *testing.T) {
	ts := newTestServer(t)
	ts.actions.rooms["101"] = room101()

	status, body := ts.do(t, http.MethodGet, "/api/v1/rooms/101", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "101", gjson.Get(body, "room_id").String())
	assert.Equal(t, sponsor.Hex(), gjson.Get(body, "sponsor").String())
	assert.Equal(t, "0.001", gjson.Get(body, "prize_pool").String())
	assert.Equal(t, "1000000000000000", gjson.Get(body, "prize_pool_wei").String())
	assert.Equal(t, "CREATED", gjson.Get(body, "status").String())
	assert.Equal(t, int64(1), gjson.Get(body, "participant_count").Int())
	assert.Equal(t, gjson.Null, gjson.Get(body, "winner").Type)

	status, body = ts.do(t, http.MethodGet, "/api/v1/rooms/999", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", gjson.Get(body, "kind").String())
}

func TestListRoomsAndPermissions(t *testing.T) {
	ts := newTestServer(t)
	ts.actions.rooms["101"] = room101()

	status, body := ts.do(t, http.MethodGet, "/api/v1/rooms?sponsor="+sponsor.Hex(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.Get(body, "rooms").Array(), 1)

	status, body = ts.do(t, http.MethodGet, "/api/v1/rooms?sponsor="+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.Get(body, "rooms").Array(), 0)

	ts.actions.account = models.Account{Address: models.NormalizeAddress(sponsor)}
	status, body = ts.do(t, http.MethodGet, "/api/v1/rooms/101/permissions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, gjson.Get(body, "actions.is_sponsor").Bool())
	assert.True(t, gjson.Get(body, "actions.can_distribute").Bool())
	assert.True(t, gjson.Get(body, "actions.can_join").Bool())
	assert.Equal(t, "101", gjson.Get(body, "room.room_id").String())
}

func TestSubmitActions(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/api/v1/rooms", service.CreateRoomRequest{RoomID: "101", PrizePool: "0.001"})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, txHash.Hex(), gjson.Get(body, "tx_hash").String())
	assert.Equal(t, "CREATE_ROOM", gjson.Get(body, "kind").String())
	assert.Equal(t, "PENDING", gjson.Get(body, "status").String())
	assert.Equal(t, "0.001", ts.actions.lastCreate.PrizePool)

	status, body = ts.do(t, http.MethodPost, "/api/v1/rooms/101/join", nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "JOIN_ROOM", gjson.Get(body, "kind").String())
	assert.Equal(t, "101", gjson.Get(body, "room_id").String())

	status, _ = ts.do(t, http.MethodPost, "/api/v1/rooms/101/distribute", service.DistributePrizesRequest{
		RoomID:     "7",
		Recipients: []string{alice.Hex()},
		AmountEach: "0.001",
	})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "101", ts.actions.lastDist.RoomID)

	req, err := http.NewRequest(http.MethodPost, ts.server.URL+"/api/v1/rooms", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitErrorStatus(t *testing.T) {
	hash := common.HexToHash("0x01")
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", models.NewValidationError("room_id", "must be a non-negative integer"), http.StatusBadRequest, "validation"},
		{"value mismatch", &models.ValidationError{Field: "value", Reason: "mismatch", Kind: models.ErrInsufficientValue}, http.StatusBadRequest, "validation"},
		{"in progress", models.ErrActionInProgress, http.StatusConflict, "conflict"},
		{"not connected", models.ErrNotConnected, http.StatusUnauthorized, "wallet"},
		{"rejected", models.ErrUserRejected, http.StatusForbidden, "wallet"},
		{"funds", models.ErrInsufficientFunds, http.StatusPaymentRequired, "wallet"},
		{"revert", &models.RevertError{Reason: "Room exists", TxHash: &hash}, http.StatusUnprocessableEntity, "revert"},
		{"network", models.NetworkError("send transaction", errors.New("dial tcp: refused")), http.StatusBadGateway, "network"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.actions.submitErr = tt.err

			status, body := ts.do(t, http.MethodPost, "/api/v1/rooms/101/join", nil)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, gjson.Get(body, "kind").String())
			assert.Equal(t, "Failed to join room", gjson.Get(body, "error").String())
		})
	}
}

func TestTransactionEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/api/v1/transactions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.Get(body, "transactions").Array(), 1)

	status, body = ts.do(t, http.MethodGet, "/api/v1/transactions/"+txHash.Hex(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, txHash.Hex(), gjson.Get(body, "tx_hash").String())

	status, _ = ts.do(t, http.MethodDelete, "/api/v1/transactions/"+txHash.Hex(), nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodDelete, "/api/v1/transactions/"+common.HexToHash("0x02").Hex(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHistoryAndMessages(t *testing.T) {
	ts := newTestServer(t)
	reason := "transaction reverted: Race already started"
	ts.actions.history = []models.ActionRecord{
		{TxHash: txHash.Hex(), Kind: models.ActionJoinRoom, RoomID: "101", Account: models.NormalizeAddress(alice), Status: models.TxStatusFailed, ErrorMessage: &reason},
	}
	ts.actions.messages = []service.Message{{ID: "m1", Level: service.LevelError, Text: "Join room #101 failed"}}

	status, body := ts.do(t, http.MethodGet, "/api/v1/accounts/"+alice.Hex()+"/actions?limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, reason, gjson.Get(body, "actions.0.error").String())
	assert.Equal(t, "FAILED", gjson.Get(body, "actions.0.status").String())

	status, _ = ts.do(t, http.MethodGet, "/api/v1/accounts/nope/actions", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodGet, "/api/v1/rooms/101/actions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.Get(body, "actions").Array(), 1)

	status, body = ts.do(t, http.MethodGet, "/api/v1/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "error", gjson.Get(body, "messages.0.level").String())
}

func TestStream(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the handler subscribes after the upgrade; publish until a frame arrives
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	received := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	}()

	var frame []byte
	require.Eventually(t, func() bool {
		ts.notifier.Publish(service.Message{Level: service.LevelSuccess, Text: "Joined room #101"})
		select {
		case frame = <-received:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "message", gjson.GetBytes(frame, "type").String())
	assert.Equal(t, "Joined room #101", gjson.GetBytes(frame, "message.text").String())

	ts.feed.ch <- room101()
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if gjson.GetBytes(data, "type").String() == "room" {
			assert.Equal(t, "101", gjson.GetBytes(data, "room.room_id").String())
			break
		}
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(models.ErrConfirmationTimeout))
	assert.Equal(t, http.StatusNotFound, statusFor(models.ErrTxNotTracked))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(models.ErrWalletUnavailable))
}

func TestEstimateEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/api/v1/rooms/101/join/estimate", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "JOIN_ROOM", gjson.Get(body, "action").String())
	assert.Equal(t, "101", gjson.Get(body, "room_id").String())
	assert.Equal(t, "2", gjson.Get(body, "gas_price_gwei").String())
	assert.Equal(t, "0.0002", gjson.Get(body, "total").String())
	assert.True(t, gjson.Get(body, "sufficient").Bool())
	assert.False(t, gjson.Get(body, "shortfall").Exists())

	status, body = ts.do(t, http.MethodPost, "/api/v1/rooms/estimate", map[string]string{
		"room_id":    "102",
		"prize_pool": "0.001",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "0.0012", gjson.Get(body, "total").String())
	assert.False(t, gjson.Get(body, "sufficient").Bool())
	assert.Equal(t, "0.0007", gjson.Get(body, "shortfall").String())

	status, body = ts.do(t, http.MethodPost, "/api/v1/rooms/abc/distribute/estimate", map[string]interface{}{
		"recipients":  []string{alice.Hex()},
		"amount_each": "0.0001",
	})
	assert.Equal(t, http.StatusBadRequest, status, body)
}
