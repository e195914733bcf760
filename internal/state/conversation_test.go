package state

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestResponseKey(t *testing.T) {
	if got := ResponseKey("engineer"); got != "engineer_response" {
		t.Errorf("ResponseKey() = %q", got)
	}
}

func TestConversationAppendAndRead(t *testing.T) {
	c := NewConversation()
	if entries := c.Entries("engineer_response"); entries != nil {
		t.Errorf("expected no entries on a fresh conversation, got %v", entries)
	}
	if _, ok := c.Last("engineer_response"); ok {
		t.Error("Last on empty key should report false")
	}

	first := c.Append("engineer_response", Message{Role: "engineer", TaskID: "T1", Content: "one"})
	c.Append("engineer_response", Message{Role: "engineer", TaskID: "T2", Content: "two"})
	c.Append("researcher_response", Message{Role: "researcher", Content: "notes"})

	if first.Key != "engineer_response" || first.At.IsZero() {
		t.Errorf("Append should stamp key and time, got %+v", first)
	}
	if got := c.Len("engineer_response"); got != 2 {
		t.Errorf("expected 2 entries, got %d", got)
	}
	last, ok := c.Last("engineer_response")
	if !ok || last.Content != "two" {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "engineer_response" || keys[1] != "researcher_response" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestConversationEntriesAreCopies(t *testing.T) {
	c := NewConversation()
	c.Append("k", Message{Content: "original"})

	entries := c.Entries("k")
	entries[0].Content = "tampered"
	_ = append(entries, Message{Content: "extra"})

	if got := c.Entries("k"); len(got) != 1 || got[0].Content != "original" {
		t.Errorf("log modified through a returned slice: %+v", got)
	}
}

func TestConversationAppendJSON(t *testing.T) {
	c := NewConversation()
	msg, err := c.AppendJSON("engineer_response", "engineer", "T1", map[string]any{"action_result": "42"})
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := msg.Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["action_result"] != "42" {
		t.Errorf("decoded %v", decoded)
	}

	if _, err := c.AppendJSON("k", "r", "", make(chan int)); err == nil {
		t.Error("expected encoding error")
	}
	if c.Len("k") != 0 {
		t.Error("failed encode must not append")
	}
}

// TestConversationConcurrentAppends verifies per-key ordering under contention.
func TestConversationConcurrentAppends(t *testing.T) {
	c := NewConversation()
	roles := []string{"engineer", "researcher", "tool_invoker", "reviewer"}

	var wg sync.WaitGroup
	for _, role := range roles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				c.Append(ResponseKey(role), Message{Role: role, Content: fmt.Sprint(i)})
			}
		}()
	}
	wg.Wait()

	for _, role := range roles {
		entries := c.Entries(ResponseKey(role))
		if len(entries) != 100 {
			t.Fatalf("%s: expected 100 entries, got %d", role, len(entries))
		}
		for i, msg := range entries {
			if msg.Content != fmt.Sprint(i) || msg.Role != role {
				t.Fatalf("%s: entry %d out of order: %+v", role, i, msg)
			}
		}
	}
}

// TestConversationKeysIndependent verifies a held lock on one key does not
// block appends to another.
func TestConversationKeysIndependent(t *testing.T) {
	c := NewConversation()
	c.Append("a", Message{Content: "seed"})

	l := c.logFor("a")
	l.mu.Lock()

	done := make(chan struct{})
	go func() {
		c.Append("b", Message{Content: "free"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append to key b blocked on key a's lock")
	}
	l.mu.Unlock()
}

func TestConversationHooksAndRestore(t *testing.T) {
	c := NewConversation()
	var seen []Message
	c.OnAppend(func(m Message) { seen = append(seen, m) })

	c.Append("k", Message{Content: "live"})
	c.Restore([]Message{{Key: "k", Content: "old"}, {Key: "j", Content: "older"}})

	if len(seen) != 1 || seen[0].Content != "live" {
		t.Errorf("hooks should only see live appends, got %+v", seen)
	}
	if c.Len("k") != 2 || c.Len("j") != 1 {
		t.Errorf("restore did not populate logs: k=%d j=%d", c.Len("k"), c.Len("j"))
	}
}
