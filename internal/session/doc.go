// Package session
// Author: momentics <momentics@gmail.com>
//
// Bookkeeping for live connections: a sharded registry servers use to find
// and drain every open connection at shutdown.
package session
