package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type queueNode struct {
	user     common.Address
	value    *big.Int
	prev     *queueNode
	next     *queueNode
	inSorted bool
}

// SortedQueue ranks the participants of one (market, side, tier) by balance.
// Up to boundSize entries live in a strictly descending doubly-linked list;
// everything beyond the bound sits in an unordered overflow list. An arena map
// keyed by user gives O(1) lookup, so the matching engine can always find a
// large counterparty without scanning the whole population.
type SortedQueue struct {
	nodes     map[common.Address]*queueNode
	head      *queueNode // largest value
	tail      *queueNode // smallest sorted value
	sortedLen int
	overflow  *queueNode
}

// NewSortedQueue returns an empty queue.
func NewSortedQueue() *SortedQueue {
	return &SortedQueue{nodes: make(map[common.Address]*queueNode)}
}

// Head returns the user with the largest balance, if any.
func (q *SortedQueue) Head() (common.Address, bool) {
	if q.head == nil {
		return common.Address{}, false
	}
	return q.head.user, true
}

// Next returns the user following the given one in enumeration order: the
// sorted ranking first, then the overflow list.
func (q *SortedQueue) Next(user common.Address) (common.Address, bool) {
	n, ok := q.nodes[user]
	if !ok {
		return common.Address{}, false
	}
	if n.next != nil {
		return n.next.user, true
	}
	if n.inSorted && q.overflow != nil {
		return q.overflow.user, true
	}
	return common.Address{}, false
}

// Value returns the ranked balance of a user, zero when absent.
func (q *SortedQueue) Value(user common.Address) *big.Int {
	if n, ok := q.nodes[user]; ok {
		return new(big.Int).Set(n.value)
	}
	return big.NewInt(0)
}

// Len returns the total number of tracked users, overflow included.
func (q *SortedQueue) Len() int { return len(q.nodes) }

// Update inserts, repositions, or removes a user. A zero value removes the
// entry; removing a sorted entry promotes the largest overflow entry into the
// freed slot. Repositioning only walks the neighborhood disturbed by the
// change.
func (q *SortedQueue) Update(user common.Address, value *big.Int, bound int) {
	n, exists := q.nodes[user]
	if !exists {
		if value == nil || value.Sign() <= 0 {
			return
		}
		n = &queueNode{user: user, value: new(big.Int).Set(value)}
		q.nodes[user] = n
		q.place(n, bound)
		return
	}
	if value == nil || value.Sign() <= 0 {
		q.remove(n)
		delete(q.nodes, user)
		return
	}
	n.value = new(big.Int).Set(value)
	if n.inSorted {
		q.bubbleUp(n)
		q.bubbleDown(n)
		for q.sortedLen > bound && q.tail != nil {
			q.demoteTail()
		}
		return
	}
	// Overflow entry that may now deserve a sorted slot.
	if bound > 0 && (q.sortedLen < bound || q.tail.value.Cmp(n.value) < 0) {
		q.removeOverflow(n)
		if q.sortedLen >= bound {
			q.demoteTail()
		}
		q.insertSorted(n)
	}
}

// Clone returns a deep copy preserving both list orders.
func (q *SortedQueue) Clone() *SortedQueue {
	clone := NewSortedQueue()
	var last *queueNode
	for cur := q.head; cur != nil; cur = cur.next {
		n := &queueNode{user: cur.user, value: new(big.Int).Set(cur.value), inSorted: true}
		clone.nodes[n.user] = n
		if last == nil {
			clone.head = n
		} else {
			last.next = n
			n.prev = last
		}
		last = n
	}
	clone.tail = last
	clone.sortedLen = q.sortedLen
	last = nil
	for cur := q.overflow; cur != nil; cur = cur.next {
		n := &queueNode{user: cur.user, value: new(big.Int).Set(cur.value)}
		clone.nodes[n.user] = n
		if last == nil {
			clone.overflow = n
		} else {
			last.next = n
			n.prev = last
		}
		last = n
	}
	return clone
}

func (q *SortedQueue) place(n *queueNode, bound int) {
	if bound > 0 && q.sortedLen < bound {
		q.insertSorted(n)
		return
	}
	if bound > 0 && q.tail != nil && q.tail.value.Cmp(n.value) < 0 {
		q.demoteTail()
		q.insertSorted(n)
		return
	}
	q.pushOverflow(n)
}

func (q *SortedQueue) insertSorted(n *queueNode) {
	n.inSorted = true
	q.sortedLen++
	if q.head == nil {
		n.prev, n.next = nil, nil
		q.head, q.tail = n, n
		return
	}
	cur := q.tail
	for cur != nil && cur.value.Cmp(n.value) < 0 {
		cur = cur.prev
	}
	if cur == nil {
		n.prev = nil
		n.next = q.head
		q.head.prev = n
		q.head = n
		return
	}
	n.prev = cur
	n.next = cur.next
	if cur.next != nil {
		cur.next.prev = n
	} else {
		q.tail = n
	}
	cur.next = n
}

func (q *SortedQueue) unlinkSorted(n *queueNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	n.prev, n.next = nil, nil
	n.inSorted = false
	q.sortedLen--
}

func (q *SortedQueue) pushOverflow(n *queueNode) {
	n.inSorted = false
	n.prev = nil
	n.next = q.overflow
	if q.overflow != nil {
		q.overflow.prev = n
	}
	q.overflow = n
}

func (q *SortedQueue) removeOverflow(n *queueNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.overflow = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev, n.next = nil, nil
}

func (q *SortedQueue) demoteTail() {
	t := q.tail
	if t == nil {
		return
	}
	q.unlinkSorted(t)
	q.pushOverflow(t)
}

func (q *SortedQueue) remove(n *queueNode) {
	if !n.inSorted {
		q.removeOverflow(n)
		return
	}
	q.unlinkSorted(n)
	q.promoteLargest()
}

// promoteLargest moves the biggest overflow entry into the sorted ranking
// after a sorted slot frees up.
func (q *SortedQueue) promoteLargest() {
	if q.overflow == nil {
		return
	}
	best := q.overflow
	for cur := best.next; cur != nil; cur = cur.next {
		if cur.value.Cmp(best.value) > 0 {
			best = cur
		}
	}
	q.removeOverflow(best)
	q.insertSorted(best)
}

// swap exchanges two adjacent sorted nodes, a directly before b.
func (q *SortedQueue) swap(a, b *queueNode) {
	prev, next := a.prev, b.next
	if prev != nil {
		prev.next = b
	} else {
		q.head = b
	}
	b.prev = prev
	b.next = a
	a.prev = b
	a.next = next
	if next != nil {
		next.prev = a
	} else {
		q.tail = a
	}
}

func (q *SortedQueue) bubbleUp(n *queueNode) {
	for n.prev != nil && n.prev.value.Cmp(n.value) < 0 {
		q.swap(n.prev, n)
	}
}

func (q *SortedQueue) bubbleDown(n *queueNode) {
	for n.next != nil && n.next.value.Cmp(n.value) > 0 {
		q.swap(n, n.next)
	}
}
