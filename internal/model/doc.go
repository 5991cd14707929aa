// Package model holds the task and quote records shared across quoteflow.
//
// Records are plain values; the tasks package owns every state transition.
package model
