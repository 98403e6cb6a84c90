package server

import "context"

// topicAll receives every published job update.
const topicAll = "*"

// Hub fans published messages out to SSE subscribers by topic. All topic
// bookkeeping happens on the Run goroutine.
type Hub struct {
	// subscribers own their channels; the hub only sends on them
	topics map[string]map[chan []byte]bool

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan topicMessage
	done        chan struct{}
}

type subscription struct {
	ch    chan []byte
	topic string
}

type topicMessage struct {
	topic string
	msg   []byte
}

// NewHub creates a hub. Publishing is buffered so a burst of job updates
// does not stall the manager's listener.
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]map[chan []byte]bool),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan topicMessage, 100),
		done:        make(chan struct{}),
	}
}

// Run processes subscriptions and deliveries until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.subscribe:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan []byte]bool)
				h.topics[s.topic] = subs
			}
			subs[s.ch] = true
		case s := <-h.unsubscribe:
			if subs, ok := h.topics[s.topic]; ok {
				delete(subs, s.ch)
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case tm := <-h.publish:
			for ch := range h.topics[tm.topic] {
				select {
				case ch <- tm.msg:
				default:
					// slow reader, drop
				}
			}
		}
	}
}

// Publish queues msg for the subscribers of topic. It never blocks; when the
// buffer is full the message is dropped.
func (h *Hub) Publish(topic string, msg []byte) bool {
	select {
	case h.publish <- topicMessage{topic: topic, msg: msg}:
		return true
	default:
		return false
	}
}

// Subscribe registers ch for topic and reports false once the hub stopped.
// The caller unsubscribes and closes ch.
func (h *Hub) Subscribe(ch chan []byte, topic string) bool {
	select {
	case h.subscribe <- subscription{ch: ch, topic: topic}:
		return true
	case <-h.done:
		return false
	}
}

// Unsubscribe removes ch from topic.
func (h *Hub) Unsubscribe(ch chan []byte, topic string) {
	select {
	case h.unsubscribe <- subscription{ch: ch, topic: topic}:
	case <-h.done:
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
