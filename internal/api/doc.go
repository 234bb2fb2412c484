// Package api exposes the REST interface for submitting blog posting
// tasks, polling their status and requesting cancellation.
package api
