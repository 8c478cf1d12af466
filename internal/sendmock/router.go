package sendmock

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heraldhq/herald/internal/idgen"
)

type SendRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

type SentMessage struct {
	MessageID  string    `json:"messageId"`
	Email      string    `json:"email"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// MessageStore records accepted messages so tests can assert on delivery.
type MessageStore interface {
	Record(message SentMessage)
	List(email string) []SentMessage
	Clear()
}

type messageStore struct {
	mu       sync.RWMutex
	messages []SentMessage
}

func NewMessageStore() MessageStore {
	return &messageStore{}
}

func (s *messageStore) Record(message SentMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
}

func (s *messageStore) List(email string) []SentMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if email == "" {
		return append([]SentMessage{}, s.messages...)
	}
	var matched []SentMessage
	for _, m := range s.messages {
		if m.Email == email {
			matched = append(matched, m)
		}
	}
	return matched
}

func (s *messageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

func NewRouter(store MessageStore, config SendMockServerConfig) http.Handler {
	r := gin.Default()

	handlers := Handlers{
		store:  store,
		config: config,
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	r.POST("/send", handlers.Send)
	r.GET("/messages", handlers.ListMessages)
	r.DELETE("/messages", handlers.ClearMessages)

	return r.Handler()
}

type Handlers struct {
	store  MessageStore
	config SendMockServerConfig
}

func (h *Handlers) Send(c *gin.Context) {
	if h.config.Latency > 0 {
		time.Sleep(h.config.Latency)
	}

	var input SendRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if input.Email == "" || input.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "email and message are required"})
		return
	}

	if h.config.FailureRate > 0 && rand.Float64() < h.config.FailureRate {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "simulated send failure"})
		return
	}

	message := SentMessage{
		MessageID:  idgen.String(),
		Email:      input.Email,
		Message:    input.Message,
		ReceivedAt: time.Now().UTC(),
	}
	h.store.Record(message)

	c.JSON(http.StatusOK, gin.H{"success": true, "messageId": message.MessageID})
}

func (h *Handlers) ListMessages(c *gin.Context) {
	messages := h.store.List(c.Query("email"))
	if messages == nil {
		messages = []SentMessage{}
	}
	c.JSON(http.StatusOK, messages)
}

func (h *Handlers) ClearMessages(c *gin.Context) {
	h.store.Clear()
	c.Status(http.StatusOK)
}
