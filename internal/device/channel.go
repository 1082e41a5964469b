package device

import (
	"errors"
	"sync"
	"time"
)

// DefaultResponseTimeout is how long Send waits for a matching response.
const DefaultResponseTimeout = 2 * time.Second

// CommandChannel exchanges one command at a time with the device. A second
// caller arriving while a send is in flight is rejected with ErrBusy rather
// than queued: a stale caller holding the link is worse than a fast local
// failure.
type CommandChannel struct {
	tr      Transport
	timeout time.Duration
	mu      sync.Mutex
}

func NewCommandChannel(tr Transport, timeout time.Duration) *CommandChannel {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	return &CommandChannel{tr: tr, timeout: timeout}
}

// Send validates, writes, then reads lines until one matches the command's
// expected acknowledgment or the response timeout elapses. Non-matching
// lines (stray streaming data around the START/STOP boundary) are discarded
// without ending the wait.
func (cc *CommandChannel) Send(cmd Command) (CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return CommandResult{}, err
	}
	if !cc.mu.TryLock() {
		return CommandResult{}, ErrBusy
	}
	defer cc.mu.Unlock()

	if err := cc.tr.WriteLine(cmd.Encode()); err != nil {
		return CommandResult{}, err
	}

	deadline := time.Now().Add(cc.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return CommandResult{}, ErrTimeout
		}
		line, err := cc.tr.ReadLine(remaining)
		if errors.Is(err, ErrTimeout) {
			return CommandResult{}, ErrTimeout
		}
		if err != nil {
			return CommandResult{}, err
		}
		if res, ok := cmd.MatchResponse(line); ok {
			return res, nil
		}
	}
}
