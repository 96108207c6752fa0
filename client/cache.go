package client

import (
	"teamchat/models"
)

// applySnapshot reconciles a complete ALL snapshot into the cache. The
// incoming set replaces the cached one, except that an incoming
// conversation with fewer messages than the cached same-keyed one is
// treated as stale and the cached copy is kept. Snapshots can arrive
// out of order relative to in-flight local sends; the count guard keeps
// the cache from regressing.
func (c *Client) applySnapshot(incoming []*models.Conversation) {
	c.mu.Lock()

	oldCounts := make(map[Key]int, len(c.conversations))
	for key, conv := range c.conversations {
		oldCounts[key] = len(conv.Messages)
	}

	next := make(map[Key]*models.Conversation, len(incoming))
	order := make([]Key, 0, len(incoming))
	for _, in := range incoming {
		key := Key{Variant: in.Variant, ID: in.ID}
		if _, dup := next[key]; !dup {
			order = append(order, key)
		}
		if cached, ok := c.conversations[key]; ok && len(in.Messages) < len(cached.Messages) {
			next[key] = cached
			continue
		}
		next[key] = in
	}
	c.conversations = next
	c.order = order

	if len(order) > 0 {
		c.lastUpdated = next[order[0]]
	} else {
		c.lastUpdated = nil
	}

	me := c.me
	var alerts []models.Message
	for _, key := range order {
		conv := next[key]
		count := len(conv.Messages)
		if count > oldCounts[key] && count > 0 {
			last := conv.Messages[count-1]
			if me != nil && last.Sender != me.Username {
				alerts = append(alerts, last)
			}
		}
	}
	c.mu.Unlock()

	c.notify()
	for _, msg := range alerts {
		c.alert(msg)
	}
}

// applyUpdate reconciles a single-conversation UPDATE with the same
// stale guard. A stale update is dropped without notifying.
func (c *Client) applyUpdate(in *models.Conversation) {
	key := Key{Variant: in.Variant, ID: in.ID}

	c.mu.Lock()
	cached, ok := c.conversations[key]
	if ok && len(in.Messages) < len(cached.Messages) {
		c.mu.Unlock()
		return
	}

	var alert *models.Message
	if count := len(in.Messages); count > 0 {
		grew := !ok || count > len(cached.Messages)
		if grew {
			last := in.Messages[count-1]
			if ok && c.me != nil && last.Sender != c.me.Username {
				alert = &last
			}
		}
	}

	if !ok {
		c.order = append(c.order, key)
	}
	c.conversations[key] = in
	c.lastUpdated = in
	c.mu.Unlock()

	c.notify()
	if alert != nil {
		c.alert(*alert)
	}
}

// notify raises the single change signal. The channel holds one
// pending signal; further changes coalesce into it.
func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) alert(msg models.Message) {
	select {
	case c.alerts <- msg:
	default:
		c.log.Warnw("dropping alert", "sender", msg.Sender)
	}
}

func (c *Client) resolveLogin(err error) {
	c.pendingMu.Lock()
	wait := c.loginWait
	c.loginWait = nil
	c.pendingMu.Unlock()
	if wait != nil {
		wait <- err
	}
}

func (c *Client) clearLoginWait() {
	c.pendingMu.Lock()
	c.loginWait = nil
	c.pendingMu.Unlock()
}

func (c *Client) resolveCreate(err error) {
	c.pendingMu.Lock()
	wait := c.createWait
	c.createWait = nil
	c.pendingMu.Unlock()
	if wait != nil {
		wait <- err
	}
}

func (c *Client) clearCreateWait() {
	c.pendingMu.Lock()
	c.createWait = nil
	c.pendingMu.Unlock()
}

func (c *Client) resolveHistory(res historyResult) {
	c.pendingMu.Lock()
	wait := c.historyWait
	c.historyWait = nil
	c.pendingMu.Unlock()
	if wait != nil {
		wait <- res
	}
}

func (c *Client) clearHistoryWait() {
	c.pendingMu.Lock()
	c.historyWait = nil
	c.pendingMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.resolveLogin(err)
	c.resolveCreate(err)
	c.resolveHistory(historyResult{err: err})
}
