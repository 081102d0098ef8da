package broker

import (
	"context"

	"github.com/heartline/matchcore/internal/protocol"
	"github.com/heartline/matchcore/internal/ws"
)

// Attach installs the broker's lifecycle hooks on srv and its frame
// handlers on d.
func (b *Broker) Attach(srv *ws.Server, d *ws.MessageDispatcher) {
	srv.SetOnAuthenticated(func(c *ws.Connection) { b.Connected(c) })
	srv.SetOnActivity(func(c *ws.Connection) { b.Activity(c) })
	srv.SetOnDisconnect(func(c *ws.Connection) { b.Disconnected(c) })

	d.Register(protocol.TypeJoin, handle(b, b.Join))
	d.Register(protocol.TypeLeave, handle(b, b.Leave))
	d.Register(protocol.TypeSend, handle(b, b.Send))
	d.Register(protocol.TypeReadReceipt, handle(b, b.Read))
	d.Register(protocol.TypeDelivered, handle(b, b.Delivered))
	d.Register(protocol.TypeTypingSet, handle(b, b.Typing))
}

// handle adapts a typed broker handler to the dispatcher, giving each
// frame its own deadline.
func handle[M any](b *Broker, fn func(ctx context.Context, c Conn, msg M)) ws.MessageHandler {
	return func(c *ws.Connection, msg any) {
		m, ok := msg.(M)
		if !ok {
			return
		}
		ctx, cancel := b.ctx()
		defer cancel()
		fn(ctx, c, m)
	}
}
