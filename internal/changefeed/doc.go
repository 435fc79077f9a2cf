// Package changefeed forwards relay state changes to Redis.
//
// Every change is published as an audit event on a pub/sub channel, and the
// newest non-empty state is kept under a single backup key. Writes go through a
// circuit breaker so an unavailable Redis never slows the relay.
package changefeed
