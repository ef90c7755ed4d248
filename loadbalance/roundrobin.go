package loadbalance

// RoundRobinBalancer hands out hosts in list order, wrapping at the end.
//
// It is a cursor over a stable slice, equivalent to peeking the head of a
// queue and requeueing it at the tail: new hosts are appended behind the
// cursor's current cycle and removals shift the cursor with the list, so a
// full cycle over N hosts never skips or repeats one.
type RoundRobinBalancer struct {
	next int // Index handed out by the next Pick
}

// Pick selects the next instance in round-robin order.
func (b *RoundRobinBalancer) Pick(instances []string) (string, error) {
	if len(instances) == 0 {
		return "", ErrNoInstances
	}
	if b.next >= len(instances) {
		b.next = 0
	}
	picked := instances[b.next]
	b.next = (b.next + 1) % len(instances)
	return picked, nil
}

// Removed keeps the cursor on the same logical host after a removal.
func (b *RoundRobinBalancer) Removed(index int) {
	if index < b.next {
		b.next--
	}
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
