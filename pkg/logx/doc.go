// Package logx is quoteflow's logging layer: a zerolog root that can be
// reconfigured at runtime, plus an alert sink that forwards warnings and
// errors to the operator through the messaging gateway.
package logx
