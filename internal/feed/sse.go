package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// SSEHandler streams one consultation's change feed as server-sent events.
// The client countdown and status badges hang off this, correctness does
// not: expiry is decided by the sweeper regardless of open streams.
func SSEHandler(hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")

		sub := hub.Subscribe(id, 32)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer hub.Unsubscribe(sub)

			keepalive := time.NewTicker(15 * time.Second)
			defer keepalive.Stop()

			for {
				select {
				case ev, ok := <-sub.C():
					if !ok {
						return
					}
					payload, err := json.Marshal(ev)
					if err != nil {
						continue
					}
					fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
					if err := w.Flush(); err != nil {
						return // client went away
					}
				case <-keepalive.C:
					fmt.Fprint(w, ": keepalive\n\n")
					if err := w.Flush(); err != nil {
						return
					}
				}
			}
		}))
		return nil
	}
}
