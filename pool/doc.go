// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer reuse for the transport layer: a fixed-size byte buffer pool for
// socket reads.
package pool
