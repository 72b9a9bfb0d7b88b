// Package connection keeps long-lived connections alive.
//
// A Manager runs one worker goroutine that connects, serves the resulting
// session until it is lost and then waits before the next attempt. The wait
// comes from a Backoff:
//
//   - driver subprocesses respawn after 5s, 10s, 20s, 40s, then every 60s
//     (RespawnBackoff)
//   - remote servers are retried every second (ReconnectBackoff)
//
// A session that reports itself productive (for a protocol peer: it sent at
// least one property definition) resets the backoff, so a child that crashes
// after running fine for a while is restarted quickly, while one that dies at
// startup backs off.
//
// The Sleeper used between attempts is injectable so schedules can be tested
// without waiting.
package connection
