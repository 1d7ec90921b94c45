/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package gateway provides the HTTP boundary of the connection admission control.
// It contains a middleware (see NewGate) that makes every incoming request obtain
// a connection slot from admission.Manager before it is served and give the slot
// back when serving is done, a set of REST handlers for observing the gate state,
// and a Prometheus metrics collector.
package gateway
