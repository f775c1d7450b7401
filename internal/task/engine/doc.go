// Package engine runs ad-hoc jobs.
//
// Submit serializes a job into an envelope and pushes it on a queueing topic.
// Workers, one set per topic and supervised for restarts, pop envelopes and
// execute each on a fresh runner. Failed runs are retried with jittered
// exponential backoff, and a consecutive-failure circuit breaker keyed by unit
// rejects new submissions while a unit keeps failing.
//
// Callbacks stay in process; only the envelope travels through the queue.
package engine
