/*
Package events provides an in-memory event broker for storage
notifications.

The backend publishes an event after each committed mutation: object
writes and deletes, container lifecycle, sharing and public-URL
changes, and per-account diskspace deltas. Delivery is fan-out over
buffered channels and best effort: a subscriber with a full buffer
skips the event rather than blocking the publisher.

Subscribers range over the channel returned by Subscribe and filter by
Type; the API server streams events to watch clients, and the
diskspace consumer feeds external accounting.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			if ev.Type == events.EventDiskspaceChanged {
				record(ev.Account, ev.Metadata["delta"])
			}
		}
	}()
*/
package events
