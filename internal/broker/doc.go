// Package broker distributes canonical stream events to subscribers.
//
// The local broker keeps topics in-process for single-node deployments
// and tests; the NATS broker publishes the JSON-framed events on a NATS
// subject so observers in other processes (persistence workers, live
// dashboards) can follow a run without touching the streaming path.
//
// Subscribers attach an events.Hook. A subscriber that cannot keep up is
// unsubscribed rather than allowed to stall the publisher.
package broker
