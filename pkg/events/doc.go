// Package events fans the orchestrator's two push streams, "state" and
// "progress", out to any number of subscribers through buffered channels.
package events
