// Package convo provides a per-sender debounced coalescer for inbound
// platform messages: a burst of rapid-fire messages from one sender collapses
// into a single logical turn, delivered through a flush callback after a
// quiet period.
//
// # Behavior
//
//   - The first message from a sender creates an entry and arms a timer.
//   - Each subsequent message appends its text and image, and re-arms the
//     timer: a strict debounce that fires only after the delay of silence.
//   - On fire, the flush callback receives the texts joined by single spaces,
//     the image URLs in arrival order, and the count of text-bearing calls.
//   - Cancel destroys an entry without flushing; cancelling during a flush is
//     a harmless no-op.
//   - A periodic sweep destroys entries whose sender went quiet without a
//     flush, bounding memory.
//
// # Usage
//
//	import "github.com/dmitrymomot/workbuffer/core/convo"
//
//	mgr, err := convo.NewManager(convo.DefaultConfig())
//	mgr.Start(ctx)
//	defer mgr.Clear()
//
//	mgr.AddMessage("tenant1:+15551234567", convo.AddRequest{
//		Tenant:   "tenant1",
//		Customer: "+15551234567",
//		Delay:    4 * time.Second,
//		Text:     "I want to book",
//		OnFlush: func(customer, tenant, combinedText string, images []string, messageCount int) {
//			handleTurn(customer, tenant, combinedText, images, messageCount)
//		},
//	})
//
// Different senders are independent and may flush in parallel; operations on
// a single sender's entry are serialized.
package convo
