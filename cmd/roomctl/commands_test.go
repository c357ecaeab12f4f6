package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raceroom/internal/api"
	"raceroom/internal/models"
	"raceroom/internal/service"
)

const hash = "0xabc0000000000000000000000000000000000000000000000000000000000001"

func TestAwaitOutcome(t *testing.T) {
	messages := make(chan service.Message, 4)
	messages <- service.Message{Level: service.LevelSuccess, TxHash: "0xother"}
	messages <- service.Message{Level: service.LevelWarning, TxHash: hash, Text: "still pending"}
	messages <- service.Message{Level: service.LevelError, TxHash: hash, Text: "Join room #101 failed"}

	var progress []string
	msg, err := awaitOutcome(context.Background(), messages, hash, time.Second, func(m service.Message) {
		progress = append(progress, m.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, service.LevelError, msg.Level)
	assert.Equal(t, []string{"still pending"}, progress)
}

func TestAwaitOutcomeTimeout(t *testing.T) {
	messages := make(chan service.Message)
	_, err := awaitOutcome(context.Background(), messages, hash, 10*time.Millisecond, nil)
	assert.True(t, errors.Is(err, errStillPending))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = awaitOutcome(ctx, messages, hash, time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrintRoom(t *testing.T) {
	winner := "0x2222222222222222222222222222222222222222"
	var buf bytes.Buffer
	printRoom(&buf, api.RoomResponse{
		RoomID:          "101",
		Sponsor:         "0x1111111111111111111111111111111111111111",
		PrizePool:       "0.001",
		Exists:          true,
		Status:          "ENDED",
		Participants:    []string{winner},
		ParticipantsCnt: 1,
		Winner:          &winner,
	})
	printPermissions(&buf, models.RoomActions{Connected: true})

	out := buf.String()
	assert.Contains(t, out, "Room #101")
	assert.Contains(t, out, "0.001 ETH")
	assert.Contains(t, out, "Winner:       "+winner)
	assert.Contains(t, out, "You may:      none")
}

func TestPrintRoomTable(t *testing.T) {
	var buf bytes.Buffer
	printRoomTable(&buf, nil)
	assert.Equal(t, "No rooms found\n", buf.String())

	buf.Reset()
	printRoomTable(&buf, []api.RoomResponse{{RoomID: "7", Status: "CREATED", PrizePool: "1", ParticipantsCnt: 2}})
	assert.Contains(t, buf.String(), "ROOM")
	assert.Contains(t, buf.String(), "CREATED")
}
