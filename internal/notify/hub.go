package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxPending 限制待展示通知的积压量，最旧的先被挤出。
const maxPending = 50

// Notification 是一条入站推送：标题、正文与点击后的跳转地址。
type Notification struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	URL        string    `json:"url"`
	ReceivedAt time.Time `json:"received_at"`
}

// Hub 缓存待展示的推送通知，并处理点击导航。与缓存策略无关，
// 只是与引擎共享同一个进程（对应宿主环境的 push/notificationclick）。
type Hub struct {
	mu      sync.Mutex
	pending []Notification
	logger  *logrus.Logger
}

// NewHub 构造通知中枢。
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{logger: logger}
}

// Push 记录一条入站推送并分配 ID，返回入库后的通知。
func (h *Hub) Push(n Notification) Notification {
	n.ID = uuid.NewString()
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now().UTC()
	}
	if n.Title == "" {
		n.Title = "ShelfQuest"
	}
	if n.URL == "" {
		n.URL = "/"
	}

	h.mu.Lock()
	h.pending = append(h.pending, n)
	if len(h.pending) > maxPending {
		h.pending = h.pending[len(h.pending)-maxPending:]
	}
	h.mu.Unlock()

	if h.logger != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "push_received",
			"id":     n.ID,
			"title":  n.Title,
		}).Info("notification_stored")
	}
	return n
}

// Pending 返回待展示通知的副本，不清空队列。
func (h *Hub) Pending() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]Notification, len(h.pending))
	copy(result, h.pending)
	return result
}

// Click 消费一条通知并返回其导航地址；未知 ID 返回 false。
func (h *Hub) Click(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, n := range h.pending {
		if n.ID == id {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return n.URL, true
		}
	}
	return "", false
}
