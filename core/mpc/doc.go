// Package mpc implements the controller's per-cycle optimization: a
// fixed-iteration projected gradient descent over all active, non-isolated,
// non-overridden batteries, balancing energy cost, actuation effort and
// state-of-charge tracking. The iteration count is the only stop condition,
// so every cycle costs the same regardless of convergence.
package mpc
