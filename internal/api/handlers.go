package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"raceroom/internal/models"
	"raceroom/internal/service"
)

// Actions is the action service as seen by the HTTP layer
type Actions interface {
	Connect(ctx context.Context) (models.Account, error)
	Disconnect()
	Account() (models.Account, bool)
	CreateRoom(ctx context.Context, req service.CreateRoomRequest) (models.PendingTransaction, error)
	JoinRoom(ctx context.Context, req service.JoinRoomRequest) (models.PendingTransaction, error)
	DistributePrizes(ctx context.Context, req service.DistributePrizesRequest) (models.PendingTransaction, error)
	Abandon(txHash string) (models.PendingTransaction, error)
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	Rooms(sponsor string) ([]models.Room, error)
	Permissions(ctx context.Context, roomID string) (models.Room, models.RoomActions, error)
	Transaction(ctx context.Context, txHash string) (models.PendingTransaction, error)
	Pending() []models.PendingTransaction
	AccountHistory(ctx context.Context, account string, limit, offset int) ([]models.ActionRecord, error)
	RoomHistory(ctx context.Context, roomID string, limit, offset int) ([]models.ActionRecord, error)
	Messages(limit int) []service.Message
}

// RoomFeed publishes room view changes
type RoomFeed interface {
	Subscribe() (<-chan models.Room, func())
}

// ChainStatus reports the connected chain for health checks
type ChainStatus interface {
	ChainID() string
	LatestBlock(ctx context.Context) (uint64, error)
}

// Estimator prices actions without sending them
type Estimator interface {
	EstimateCreateRoom(ctx context.Context, req service.CreateRoomRequest) (*service.CostEstimate, error)
	EstimateJoinRoom(ctx context.Context, req service.JoinRoomRequest) (*service.CostEstimate, error)
	EstimateDistributePrizes(ctx context.Context, req service.DistributePrizesRequest) (*service.CostEstimate, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	actions  Actions
	notifier *service.Notifier
	rooms    RoomFeed
	chain    ChainStatus // optional
	fees     Estimator   // optional
	logger   *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	actions Actions,
	notifier *service.Notifier,
	rooms RoomFeed,
	chain ChainStatus,
	fees Estimator,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		actions:  actions,
		notifier: notifier,
		rooms:    rooms,
		chain:    chain,
		fees:     fees,
		logger:   logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}

	if h.chain != nil {
		response.ChainID = h.chain.ChainID()
		block, err := h.chain.LatestBlock(r.Context())
		if err != nil {
			h.logger.Warn("Health check could not reach the chain", zap.Error(err))
			response.Status = "degraded"
		} else {
			response.LatestBlock = block
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// ==================== Wallet ====================

// HandleConnect handles POST /api/v1/wallet/connect
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	account, err := h.actions.Connect(r.Context())
	if err != nil {
		h.logger.Warn("Wallet connect failed", zap.Error(err))
		h.respondActionError(w, "Failed to connect wallet", err)
		return
	}
	respondJSON(w, http.StatusOK, toAccountResponse(account, true))
}

// HandleDisconnect handles POST /api/v1/wallet/disconnect
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.actions.Disconnect()
	respondJSON(w, http.StatusOK, AccountResponse{})
}

// HandleGetAccount handles GET /api/v1/wallet/account
func (h *Handler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.actions.Account()
	respondJSON(w, http.StatusOK, toAccountResponse(account, ok))
}

// ==================== Rooms ====================

// HandleListRooms handles GET /api/v1/rooms?sponsor=0x...
func (h *Handler) HandleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.actions.Rooms(r.URL.Query().Get("sponsor"))
	if err != nil {
		h.respondActionError(w, "Failed to list rooms", err)
		return
	}

	response := ListRoomsResponse{Rooms: make([]RoomResponse, 0, len(rooms))}
	for _, room := range rooms {
		response.Rooms = append(response.Rooms, NewRoomResponse(room))
	}
	respondJSON(w, http.StatusOK, response)
}

// HandleGetRoom handles GET /api/v1/rooms/{roomId}
// Reads the room from the contract; a stale local view is served when the
// read fails
func (h *Handler) HandleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	room, err := h.actions.GetRoom(r.Context(), roomID)
	if err != nil {
		h.respondActionError(w, "Failed to get room", err)
		return
	}
	respondJSON(w, http.StatusOK, NewRoomResponse(room))
}

// HandleGetPermissions handles GET /api/v1/rooms/{roomId}/permissions
func (h *Handler) HandleGetPermissions(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	room, actions, err := h.actions.Permissions(r.Context(), roomID)
	if err != nil {
		h.respondActionError(w, "Failed to evaluate permissions", err)
		return
	}
	respondJSON(w, http.StatusOK, PermissionsResponse{
		Room:    NewRoomResponse(room),
		Actions: actions,
	})
}

// HandleCreateRoom handles POST /api/v1/rooms
func (h *Handler) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.actions.CreateRoom(r.Context(), req)
	if err != nil {
		h.respondActionError(w, "Failed to create room", err)
		return
	}
	respondJSON(w, http.StatusAccepted, NewTransactionResponse(tx))
}

// HandleJoinRoom handles POST /api/v1/rooms/{roomId}/join
func (h *Handler) HandleJoinRoom(w http.ResponseWriter, r *http.Request) {
	req := service.JoinRoomRequest{RoomID: mux.Vars(r)["roomId"]}

	tx, err := h.actions.JoinRoom(r.Context(), req)
	if err != nil {
		h.respondActionError(w, "Failed to join room", err)
		return
	}
	respondJSON(w, http.StatusAccepted, NewTransactionResponse(tx))
}

// HandleDistributePrizes handles POST /api/v1/rooms/{roomId}/distribute
func (h *Handler) HandleDistributePrizes(w http.ResponseWriter, r *http.Request) {
	var req service.DistributePrizesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	// the path wins over the body
	req.RoomID = mux.Vars(r)["roomId"]

	tx, err := h.actions.DistributePrizes(r.Context(), req)
	if err != nil {
		h.respondActionError(w, "Failed to distribute prizes", err)
		return
	}
	respondJSON(w, http.StatusAccepted, NewTransactionResponse(tx))
}

// HandleEstimateCreateRoom handles POST /api/v1/rooms/estimate
func (h *Handler) HandleEstimateCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	h.respondEstimate(w, func(fees Estimator) (*service.CostEstimate, error) {
		return fees.EstimateCreateRoom(r.Context(), req)
	})
}

// HandleEstimateJoinRoom handles GET /api/v1/rooms/{roomId}/join/estimate
func (h *Handler) HandleEstimateJoinRoom(w http.ResponseWriter, r *http.Request) {
	req := service.JoinRoomRequest{RoomID: mux.Vars(r)["roomId"]}
	h.respondEstimate(w, func(fees Estimator) (*service.CostEstimate, error) {
		return fees.EstimateJoinRoom(r.Context(), req)
	})
}

// HandleEstimateDistributePrizes handles POST /api/v1/rooms/{roomId}/distribute/estimate
func (h *Handler) HandleEstimateDistributePrizes(w http.ResponseWriter, r *http.Request) {
	var req service.DistributePrizesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.RoomID = mux.Vars(r)["roomId"]
	h.respondEstimate(w, func(fees Estimator) (*service.CostEstimate, error) {
		return fees.EstimateDistributePrizes(r.Context(), req)
	})
}

func (h *Handler) respondEstimate(w http.ResponseWriter, fn func(Estimator) (*service.CostEstimate, error)) {
	if h.fees == nil {
		respondError(w, http.StatusServiceUnavailable, "Cost estimation is not available", nil)
		return
	}
	est, err := fn(h.fees)
	if err != nil {
		h.respondActionError(w, "Failed to estimate cost", err)
		return
	}
	respondJSON(w, http.StatusOK, NewEstimateResponse(est))
}

// HandleGetRoomActions handles GET /api/v1/rooms/{roomId}/actions
func (h *Handler) HandleGetRoomActions(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	limit, offset := pagination(r)

	records, err := h.actions.RoomHistory(r.Context(), roomID, limit, offset)
	if err != nil {
		h.respondActionError(w, "Failed to get room actions", err)
		return
	}
	respondJSON(w, http.StatusOK, ListActionsResponse{Actions: NewActionSummaries(records)})
}

// ==================== Transactions ====================

// HandleListPending handles GET /api/v1/transactions
func (h *Handler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	pending := h.actions.Pending()
	response := ListTransactionsResponse{Transactions: make([]TransactionResponse, 0, len(pending))}
	for _, tx := range pending {
		response.Transactions = append(response.Transactions, NewTransactionResponse(tx))
	}
	respondJSON(w, http.StatusOK, response)
}

// HandleGetTransaction handles GET /api/v1/transactions/{txHash}
func (h *Handler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]

	tx, err := h.actions.Transaction(r.Context(), txHash)
	if err != nil {
		h.respondActionError(w, "Failed to get transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, NewTransactionResponse(tx))
}

// HandleAbandonTransaction handles DELETE /api/v1/transactions/{txHash}
// Stops tracking the transaction; it may still be mined
func (h *Handler) HandleAbandonTransaction(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["txHash"]

	tx, err := h.actions.Abandon(txHash)
	if err != nil {
		h.respondActionError(w, "Failed to abandon transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, NewTransactionResponse(tx))
}

// ==================== Accounts ====================

// HandleGetAccountActions handles GET /api/v1/accounts/{address}/actions
func (h *Handler) HandleGetAccountActions(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	limit, offset := pagination(r)

	h.logger.Debug("Getting account actions",
		zap.String("address", address),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	records, err := h.actions.AccountHistory(r.Context(), address, limit, offset)
	if err != nil {
		h.respondActionError(w, "Failed to get account actions", err)
		return
	}
	respondJSON(w, http.StatusOK, ListActionsResponse{Actions: NewActionSummaries(records)})
}

// ==================== Messages ====================

// HandleGetMessages handles GET /api/v1/messages?limit=N
func (h *Handler) HandleGetMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	messages := h.actions.Messages(limit)
	if messages == nil {
		messages = []service.Message{}
	}
	respondJSON(w, http.StatusOK, ListMessagesResponse{Messages: messages})
}

// ==================== Helper Functions ====================

func pagination(r *http.Request) (int, int) {
	limit := 50 // default
	offset := 0 // default

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	return limit, offset
}

func toAccountResponse(account models.Account, connected bool) AccountResponse {
	if !connected {
		return AccountResponse{}
	}
	return AccountResponse{
		Connected: true,
		Address:   account.Address,
		ChainID:   account.ChainID,
	}
}

// statusFor maps an action error onto an HTTP status code
func statusFor(err error) int {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrActionInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotConnected):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrUserRejected):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrWalletUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrRoomNotFound), errors.Is(err, models.ErrTxNotTracked):
		return http.StatusNotFound
	case errors.Is(err, models.ErrContractRevert):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondActionError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}

	respondJSON(w, status, ErrorResponse{
		Error:   message,
		Message: fmt.Sprintf("%s: %v", message, err),
		Kind:    models.Classify(err),
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
		Kind:    models.Classify(err),
	}
	if err != nil && statusCode == http.StatusBadRequest {
		response.Kind = models.ErrorKindValidation
	}

	respondJSON(w, statusCode, response)
}
