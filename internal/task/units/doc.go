// Package units resolves unit references into callable units of work.
//
// A unit is resolved at configuration time, either from a static registry of Go
// functions or from a script file executed by an embedded JavaScript VM. Runners
// only see the Resolver interface and never depend on how a unit is loaded.
package units
