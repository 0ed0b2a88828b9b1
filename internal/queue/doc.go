// Package queue turns raw chat text into validated queued messages and
// routes them into per-voice FIFO queues while tracking global arrival
// order for playback.
package queue
