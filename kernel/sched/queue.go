package sched

// ReadyQueue holds the tasks eligible to run, one FIFO per priority class.
type ReadyQueue struct {
	classes [numPriorities][]*Task
}

// Push appends t to the tail of its priority class.
func (q *ReadyQueue) Push(t *Task) {
	q.classes[t.priority] = append(q.classes[t.priority], t)
}

// Peek returns the task that Pop would return without removing it.
func (q *ReadyQueue) Peek() *Task {
	for class := numPriorities - 1; class >= 0; class-- {
		if len(q.classes[class]) != 0 {
			return q.classes[class][0]
		}
	}
	return nil
}

// Pop removes and returns the head of the highest non-empty class or nil if
// the queue is empty.
func (q *ReadyQueue) Pop() *Task {
	for class := numPriorities - 1; class >= 0; class-- {
		if len(q.classes[class]) == 0 {
			continue
		}

		t := q.classes[class][0]
		q.classes[class][0] = nil
		q.classes[class] = q.classes[class][1:]
		return t
	}
	return nil
}

// Remove deletes t from the queue. It returns false if t was not queued.
func (q *ReadyQueue) Remove(t *Task) bool {
	class := q.classes[t.priority]
	for i, queued := range class {
		if queued != t {
			continue
		}

		q.classes[t.priority] = append(class[:i:i], class[i+1:]...)
		return true
	}
	return false
}

// Len returns the number of queued tasks.
func (q *ReadyQueue) Len() int {
	var n int
	for _, class := range q.classes {
		n += len(class)
	}
	return n
}

// HasAbove returns true if a task with priority higher than p is queued.
func (q *ReadyQueue) HasAbove(p Priority) bool {
	for class := numPriorities - 1; class > int(p); class-- {
		if len(q.classes[class]) != 0 {
			return true
		}
	}
	return false
}
