package api

import (
	"time"

	"raceroom/internal/models"
	"raceroom/internal/service"
)

// ==================== Wallet ====================

// AccountResponse describes the connected wallet
type AccountResponse struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	ChainID   string `json:"chain_id,omitempty"`
}

// ==================== Rooms ====================

// RoomResponse is the JSON view of a room
type RoomResponse struct {
	RoomID          string    `json:"room_id"`
	Sponsor         string    `json:"sponsor"`
	PrizePool       string    `json:"prize_pool"`     // ETH
	PrizePoolWei    string    `json:"prize_pool_wei"` // wei
	Exists          bool      `json:"exists"`
	Status          string    `json:"status"`
	Participants    []string  `json:"participants"`
	ParticipantsCnt int       `json:"participant_count"`
	Winner          *string   `json:"winner"`
	Stale           bool      `json:"stale"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ListRoomsResponse represents the known rooms
type ListRoomsResponse struct {
	Rooms []RoomResponse `json:"rooms"`
}

// PermissionsResponse pairs a room with what the connected account may do
type PermissionsResponse struct {
	Room    RoomResponse       `json:"room"`
	Actions models.RoomActions `json:"actions"`
}

// ==================== Transactions ====================

// TransactionResponse is the JSON view of a submitted transaction
type TransactionResponse struct {
	TxHash      string            `json:"tx_hash"`
	Kind        models.ActionKind `json:"kind"`
	RoomID      string            `json:"room_id,omitempty"`
	Status      models.TxStatus   `json:"status"`
	SubmittedAt time.Time         `json:"submitted_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	BlockNumber uint64            `json:"block_number,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ListTransactionsResponse represents pending transactions
type ListTransactionsResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

// ActionSummary is a journaled action
type ActionSummary struct {
	TxHash      string            `json:"tx_hash"`
	Kind        models.ActionKind `json:"kind"`
	RoomID      string            `json:"room_id"`
	Account     string            `json:"account"`
	Status      models.TxStatus   `json:"status"`
	Error       *string           `json:"error,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ListActionsResponse represents journaled actions
type ListActionsResponse struct {
	Actions []ActionSummary `json:"actions"`
}

// EstimateResponse is the expected cost of an action. Amounts are ETH
// decimals except GasPriceGwei.
type EstimateResponse struct {
	Action       models.ActionKind `json:"action"`
	RoomID       string            `json:"room_id"`
	GasLimit     uint64            `json:"gas_limit"`
	GasPriceGwei string            `json:"gas_price_gwei"`
	GasCost      string            `json:"gas_cost"`
	Value        string            `json:"value"`
	Total        string            `json:"total"`
	TotalWei     string            `json:"total_wei"`
	Balance      string            `json:"balance"`
	Sufficient   bool              `json:"sufficient"`
	Shortfall    string            `json:"shortfall,omitempty"`
}

// ==================== Messages ====================

// ListMessagesResponse represents recent user-visible messages
type ListMessagesResponse struct {
	Messages []service.Message `json:"messages"`
}

// StreamFrame is one websocket frame. Exactly one of Message and Room is set.
type StreamFrame struct {
	Type    string           `json:"type"` // "message" or "room"
	Message *service.Message `json:"message,omitempty"`
	Room    *RoomResponse    `json:"room,omitempty"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string           `json:"error"`
	Message string           `json:"message,omitempty"`
	Kind    models.ErrorKind `json:"kind,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`
	LatestBlock uint64 `json:"latest_block,omitempty"`
}

// ==================== Conversions ====================

func NewRoomResponse(r models.Room) RoomResponse {
	resp := RoomResponse{
		Exists:       r.Exists,
		Status:       string(r.Status),
		Participants: make([]string, 0, len(r.Participants)),
		Stale:        r.Stale,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ID != nil {
		resp.RoomID = r.ID.String()
	}
	if r.Exists {
		resp.Sponsor = r.Sponsor.Hex()
	}
	if r.PrizePool != nil {
		resp.PrizePool = models.FormatEther(r.PrizePool)
		resp.PrizePoolWei = r.PrizePool.String()
	} else {
		resp.PrizePool = "0"
		resp.PrizePoolWei = "0"
	}
	for _, p := range r.Participants {
		resp.Participants = append(resp.Participants, p.Hex())
	}
	resp.ParticipantsCnt = len(resp.Participants)
	if w := r.VisibleWinner(); w != nil {
		hex := w.Hex()
		resp.Winner = &hex
	}
	return resp
}

func NewTransactionResponse(tx models.PendingTransaction) TransactionResponse {
	resp := TransactionResponse{
		TxHash:      tx.Hash.Hex(),
		Kind:        tx.Kind,
		Status:      tx.Status,
		SubmittedAt: tx.SubmittedAt,
		ResolvedAt:  tx.ResolvedAt,
		BlockNumber: tx.BlockNumber,
		Error:       tx.Error,
	}
	if tx.RoomID != nil {
		resp.RoomID = tx.RoomID.String()
	}
	return resp
}

func NewEstimateResponse(e *service.CostEstimate) EstimateResponse {
	resp := EstimateResponse{
		Action:       e.Action,
		RoomID:       e.RoomID,
		GasLimit:     e.GasLimit,
		GasPriceGwei: models.FormatUnits(e.GasPrice, models.GweiDecimals),
		GasCost:      models.FormatEther(e.GasCost),
		Value:        models.FormatEther(e.Value),
		Total:        models.FormatEther(e.Total),
		TotalWei:     e.Total.String(),
		Balance:      models.FormatEther(e.Balance),
		Sufficient:   e.Sufficient,
	}
	if !e.Sufficient {
		resp.Shortfall = models.FormatEther(e.Shortfall())
	}
	return resp
}

func NewActionSummaries(records []models.ActionRecord) []ActionSummary {
	out := make([]ActionSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, ActionSummary{
			TxHash:      rec.TxHash,
			Kind:        rec.Kind,
			RoomID:      rec.RoomID,
			Account:     rec.Account,
			Status:      rec.Status,
			Error:       rec.ErrorMessage,
			SubmittedAt: rec.SubmittedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	return out
}
