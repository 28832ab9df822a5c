// Package gateway orchestrates the inbox-gateway server components.
//
// # Overview
//
// The gateway owns every long-lived component: the SQLite store, the live
// broadcast hub, the per-customer batcher and sequencer, the ticket service,
// the optional assistant, the retention job and the HTTP server.
//
// # Message flow
//
// A Messenger webhook delivery is parsed, each message id is deduped, and
// the messages are handed to the batcher keyed by sender. When a customer's
// debounce window closes the batch is queued on the sequencer, which
// processes batches of one customer strictly in order:
//
//	webhook -> dedupe -> Batcher -> Sequencer -> Processor -> assistant
//	                                                 |
//	                                                 +-> notifier -> hub, broker
//
// Web widget messages skip the debounce and run through Sequencer.Submit so
// the reply can be returned in the HTTP response.
//
// # HTTP API
//
//   - GET/POST /webhook, /api/meta/webhook - Messenger handshake and intake
//   - POST /api/clients/message - web customer message
//   - POST /api/auth/client/login - web customer login
//   - /api/conversations..., /api/tickets... - agent API (JWT, agent or admin)
//   - GET /ws?token= - live channel
//   - GET /health, /health/ready, /metrics - operational
//
// # Shutdown
//
// Shutdown stops the HTTP server first, then flushes open batches, waits for
// the sequencer to drain, and only then closes the hub, the broker, the
// dedupe backend and the store.
package gateway
