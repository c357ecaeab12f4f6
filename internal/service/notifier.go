package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raceroom/internal/models"
)

// Level is the severity of a user-visible message
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is a user-visible status message
type Message struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Level     Level             `json:"level"`
	Action    models.ActionKind `json:"action,omitempty"`
	RoomID    string            `json:"room_id,omitempty"`
	TxHash    string            `json:"tx_hash,omitempty"`
	Text      string            `json:"text"`
	ErrorKind models.ErrorKind  `json:"error_kind,omitempty"`
}

// Notifier fans messages out to listeners and keeps the most recent ones
type Notifier struct {
	capacity int
	logger   *zap.Logger

	mu      sync.RWMutex
	recent  []Message
	subs    map[int]chan Message
	nextSub int
}

// NewNotifier creates a notifier remembering up to capacity messages
func NewNotifier(capacity int, logger *zap.Logger) *Notifier {
	if capacity <= 0 {
		capacity = 100
	}
	return &Notifier{
		capacity: capacity,
		logger:   logger.Named("notifier"),
		subs:     make(map[int]chan Message),
	}
}

// Publish stamps and delivers a message
func (n *Notifier) Publish(msg Message) Message {
	msg.ID = uuid.NewString()
	msg.Time = time.Now().UTC()

	n.mu.Lock()
	n.recent = append(n.recent, msg)
	if len(n.recent) > n.capacity {
		n.recent = n.recent[len(n.recent)-n.capacity:]
	}
	for _, ch := range n.subs {
		select {
		case ch <- msg:
		default:
			n.logger.Warn("Dropping message for slow listener", zap.String("message_id", msg.ID))
		}
	}
	n.mu.Unlock()

	n.logger.Debug("Published message",
		zap.String("level", string(msg.Level)),
		zap.String("text", msg.Text))

	return msg
}

// Recent returns up to limit of the latest messages, newest last
func (n *Notifier) Recent(limit int) []Message {
	n.mu.RLock()
	defer n.mu.RUnlock()

	start := 0
	if limit > 0 && len(n.recent) > limit {
		start = len(n.recent) - limit
	}
	return append([]Message(nil), n.recent[start:]...)
}

// Subscribe registers a listener
func (n *Notifier) Subscribe() (<-chan Message, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextSub
	n.nextSub++
	ch := make(chan Message, 64)
	n.subs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
}
