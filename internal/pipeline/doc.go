// Package pipeline wires the voice queues, synthesis scheduler,
// playback controller, and audio cache into one controller with a
// command surface and event notifications.
package pipeline
