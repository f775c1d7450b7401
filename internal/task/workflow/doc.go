// Package workflow runs named, ordered chains of units where each step's
// output is the next step's input.
package workflow
