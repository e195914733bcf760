// Package state holds the conversation state shared by all agents of a run:
// append-only message logs keyed by role.
package state

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ResponseKey returns the log key a role's results are appended under.
func ResponseKey(role string) string {
	return role + "_response"
}

// Message is one entry of a conversation log.
type Message struct {
	Key     string    `json:"key"`
	Role    string    `json:"role"`
	TaskID  string    `json:"task_id,omitempty"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Decode unmarshals the message content into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal([]byte(m.Content), v)
}

// AppendFunc observes an appended message.
type AppendFunc func(Message)

// log is one key's entries guarded by its own mutex.
type log struct {
	mu      sync.Mutex
	entries []Message
}

// Conversation maps keys to append-only logs. Appends to different keys
// never contend; appends to one key are ordered.
type Conversation struct {
	mu   sync.Mutex // Guards the logs map itself
	logs map[string]*log

	hookMu sync.RWMutex
	hooks  []AppendFunc
	now    func() time.Time
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{
		logs: make(map[string]*log),
		now:  time.Now,
	}
}

// OnAppend registers fn to run after every append.
func (c *Conversation) OnAppend(fn AppendFunc) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// logFor returns the log for key, creating it on first access.
func (c *Conversation) logFor(key string) *log {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, exists := c.logs[key]
	if !exists {
		l = &log{}
		c.logs[key] = l
	}
	return l
}

// Append adds a message to key's log and returns it with Key and At set.
func (c *Conversation) Append(key string, msg Message) Message {
	msg.Key = key
	if msg.At.IsZero() {
		msg.At = c.now()
	}

	l := c.logFor(key)
	l.mu.Lock()
	l.entries = append(l.entries, msg)
	l.mu.Unlock()

	c.hookMu.RLock()
	hooks := append([]AppendFunc(nil), c.hooks...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(msg)
	}
	return msg
}

// AppendJSON appends v encoded as JSON.
func (c *Conversation) AppendJSON(key, role, taskID string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return c.Append(key, Message{Role: role, TaskID: taskID, Content: string(data)}), nil
}

// Restore appends previously persisted messages without running hooks.
func (c *Conversation) Restore(msgs []Message) {
	for _, msg := range msgs {
		l := c.logFor(msg.Key)
		l.mu.Lock()
		l.entries = append(l.entries, msg)
		l.mu.Unlock()
	}
}

// Entries returns a copy of key's log.
func (c *Conversation) Entries(key string) []Message {
	c.mu.Lock()
	l, exists := c.logs[key]
	c.mu.Unlock()
	if !exists {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.entries...)
}

// Last returns the most recent entry of key's log.
func (c *Conversation) Last(key string) (Message, bool) {
	entries := c.Entries(key)
	if len(entries) == 0 {
		return Message{}, false
	}
	return entries[len(entries)-1], true
}

// Len returns the number of entries under key.
func (c *Conversation) Len(key string) int {
	return len(c.Entries(key))
}

// Keys returns the keys that have at least one entry, sorted.
func (c *Conversation) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.logs))
	for key := range c.logs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
