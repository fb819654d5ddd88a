package arbor

import "sync"

// CommandQueue buffers the command lines a user typed until the peer's
// main loop picks them up. The UI producing the lines lives outside the
// core; anything that can push strings works.
type CommandQueue struct {
	sync.Mutex
	buf []string
}

// NewCommandQueue returns an empty queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{}
}

// Add appends one command line.
func (q *CommandQueue) Add(cmd string) {
	q.Lock()
	defer q.Unlock()
	q.buf = append(q.buf, cmd)
}

// drain returns the buffered commands and clears the queue.
func (q *CommandQueue) drain() []string {
	q.Lock()
	defer q.Unlock()
	cmds := q.buf
	q.buf = nil
	return cmds
}
