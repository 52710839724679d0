// Package queue holds the ready-to-dispatch ordering of pending tasks.
//
// A [PriorityQueue] keeps one FIFO sequence per priority tier. PopReady
// always serves the highest non-empty tier and, within a tier, the task
// that entered the queue first. Order within a tier comes from the
// sequence number the task store assigns on enqueue, so a queue rebuilt
// from a snapshot orders tasks exactly like the queue that produced it.
//
// # Starvation
//
// Tier precedence is strict. Under sustained Critical or High load, Low
// and Normal tasks can wait indefinitely; there is no aging or fair share
// between tiers. Deployments that need fairness must shape submission
// rates or use fewer tiers.
//
// The queue is not safe for concurrent use. It is owned by the task store
// and mutated only while a committed command is applied.
package queue
