/*
Package event delivers best-effort ACP session notifications off the request
path.

Handlers that must answer the client before a notification goes out (new
and loaded sessions advertising their slash commands and mode) hand the
notifications to a Notifier instead of sending them inline. The Notifier
publishes each batch as one message on a watermill gochannel topic; a single
subscriber goroutine decodes the batch and forwards every notification, in
batch order, to the connection.

Delivery failures are logged and acknowledged, never retried:

	n := event.NewNotifier(conn)
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Close()

	n.Notify(sessionID, commandsUpdate, modeUpdate)

Ordering holds within a batch only. Two separate Notify calls may reach the
client in either order.
*/
package event
