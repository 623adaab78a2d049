// Package pool
// Author: momentics <momentics@gmail.com>
//
// Message buffer allocator for srp-ioloop. Records are fixed-capacity,
// carry source/local/interface metadata and are recycled after Release.
// See message_pool.go for the allocator.
package pool
