/*
Package tui renders the live progress view of a running load test.

The view follows the Bubble Tea Model-Update-View pattern. It never touches
session results: it polls the executor's atomic snapshot every 100ms and quits
once every session has finished. Pressing q, esc or ctrl+c stops the run and
keeps polling until the remaining sessions have been unblocked and joined.
*/
package tui
