// Package scheduler runs named units of work on a fixed interval or cron schedule.
//
// Each task owns a dedicated runner.Runner. A tick that fires while the previous
// tick is still running is dropped by the runner's reentrancy guard and counted
// as skipped; missed ticks are never queued or coalesced.
package scheduler
