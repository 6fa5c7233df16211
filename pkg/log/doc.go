// Package log is a small wrapper around the standard library logger used by
// every swapsync component.
//
// Each component obtains a named logger once and keeps it:
//
//	var logger = log.ForService("queue")
//
//	logger.Infof("drained %d messages", n)
//	logger.Warnf("dropping message %s after %d retries", id, n)
//	logger.Debugf("frame: %s", raw) // only when debug is enabled
//
// Debug output can be enabled for everything (SetGlobalDebug, wired to the
// CLI --debug flag) or for a single component (EnableDebugFor("transport")).
//
// Tests redirect output with SetOutput(&buf) and assert on the buffer; the
// router tests use this to check that malformed events are reported as
// warnings instead of being silently swallowed.
//
// Structured fields and JSON output are deliberately absent; lines are meant
// to be read by humans tailing a terminal or journald.
package log
