// Package handshake owns the session-sharing wire messages.
//
// Ownership boundary:
// - session.request / session.context / session.ack / session.error codecs
// - request freshness checks
// - sealing of the delivered auth context
//
// Exchange order:
// - peripheral -> central: session.request
//
// - central -> peripheral: session.context (or session.error)
//
// - peripheral -> central: session.ack (or session.error)
package handshake
