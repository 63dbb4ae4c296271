// Package domain holds the data types shared by the queue core, its
// stores and the command layer: job statuses, jobs and their event
// history, client identity, expiry computation and protocol errors.
package domain
