// Package queue provides the single-lane FIFO serializer underneath the
// dispatcher. Exactly one message is in flight at a time; everything else
// waits at the tail.
package queue
