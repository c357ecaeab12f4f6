package evm

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"raceroom/internal/models"
)

// decodeRevert extracts a revert reason from a JSON-RPC error carrying
// revert data. It returns nil if err is not a revert.
func decodeRevert(err error) *models.RevertError {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}

	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil
	}

	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil {
		return nil
	}

	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		// custom error or panic code we have no ABI for
		return &models.RevertError{Reason: revertReasonFromMessage(dataErr.Error())}
	}
	return &models.RevertError{Reason: reason}
}

// revertReasonFromMessage strips the node's "execution reverted: " prefix
func revertReasonFromMessage(msg string) string {
	const prefix = "execution reverted"
	idx := strings.Index(strings.ToLower(msg), prefix)
	if idx < 0 {
		return msg
	}
	reason := strings.TrimSpace(msg[idx+len(prefix):])
	return strings.TrimSpace(strings.TrimPrefix(reason, ":"))
}
