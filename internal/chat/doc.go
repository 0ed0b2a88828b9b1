// Package chat provides thin ingestion adapters. Each source decodes
// inbound JSON chat payloads, applies an enqueue rate limit, and hands
// messages to the pipeline. No chat protocol logic lives here.
package chat
