package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ESIMCheckout/internal/models"
	"ESIMCheckout/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const streamWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type orderEvent struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	ProvisionState string `json:"provision_state"`
	AiraloOrderID  string `json:"airalo_order_id,omitempty"`
}

// StreamOrder pushes the order's status over a websocket each time it changes
// and closes once nothing further will happen to the order.
func (h *Handler) StreamOrder(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	orderID := chi.URLParam(r, "orderId")

	order, err := h.Orders.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		h.writeOrderError(w, err, "get order failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go func() {
		// Reads only detect the peer going away.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	interval := h.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last orderEvent
	for {
		ev := eventFor(order)
		if ev != last {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			last = ev
		}
		if finished(order) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(order.Status)),
				time.Now().Add(streamWriteWait))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := h.Orders.GetOrder(ctx, userID, orderID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.Logger.Warn("order stream read failed", "order_id", orderID, "err", err)
			}
			if errors.Is(err, services.ErrOrderNotFound) {
				return
			}
			continue
		}
		order = next
	}
}

func eventFor(o *models.Order) orderEvent {
	ev := orderEvent{OrderID: o.ID, Status: string(o.Status), ProvisionState: string(o.ProvisionState)}
	if o.AiraloOrderID != nil {
		ev.AiraloOrderID = *o.AiraloOrderID
	}
	return ev
}

func finished(o *models.Order) bool {
	if o.Status.Terminal() {
		return true
	}
	return o.Status == models.OrderPaid && o.ProvisionState.Settled()
}
