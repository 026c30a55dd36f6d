// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection serial execution. Transport goroutines post work to a Loop
// and never touch connection state directly.
package concurrency
