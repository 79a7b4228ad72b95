package scheduling

import (
	"sync"
)

// deniedBots remembers which bot ran the attempt that died for each
// retried task, so the retry is not handed back to the same bot. The
// authoritative record is the bot id kept on the pending summary; this
// map only avoids entity reads on the hot reap path.
type deniedBots struct {
	// bots maps packed request id to the denied bot id.
	bots map[string]string
	mtx  sync.Mutex
}

// newDeniedBots returns an empty deniedBots instance.
func newDeniedBots() *deniedBots {
	return &deniedBots{
		bots: map[string]string{},
	}
}

// Deny records that the bot must not run the task again.
func (d *deniedBots) Deny(taskID, bot string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.bots[taskID] = bot
}

// Denied returns true iff the bot was denied the task.
func (d *deniedBots) Denied(taskID, bot string) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.bots[taskID] == bot
}

// Forget drops the record for a task once it is settled.
func (d *deniedBots) Forget(taskID string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	delete(d.bots, taskID)
}
