package notifier

import "time"

// Config controls rate limiting, dedup and the async operator queue.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// SendTimeout bounds one gateway call; zero means 10s.
	SendTimeout time.Duration

	// Operator is the contact id alerts and escalations go to.
	Operator string
}

func (c Config) normalized() Config {
	c.Workers = orDefault(c.Workers, 2)
	c.QueueSize = orDefault(c.QueueSize, 512)
	c.RatePerSec = orDefault(c.RatePerSec, 3)
	c.DedupMaxEntries = orDefault(c.DedupMaxEntries, 2000)
	c.RetryMax = max(c.RetryMax, 0)
	c.DedupWindow = max(c.DedupWindow, 0)
	c.RetryBase = orDefault(c.RetryBase, 500*time.Millisecond)
	c.RetryMaxDelay = orDefault(c.RetryMaxDelay, 10*time.Second)
	c.SendTimeout = orDefault(c.SendTimeout, 10*time.Second)
	return c
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// HistoryItem is one message the notifier actually delivered.
type HistoryItem struct {
	At        time.Time `json:"at"`
	Channel   string    `json:"channel"`
	ContactID string    `json:"contactId"`
	Text      string    `json:"text"`
}

// NotificationEvent is the bus payload for notifier.* events.
type NotificationEvent struct {
	Channel   string    `json:"channel"`
	ContactID string    `json:"contactId"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

const historyLimit = 300
