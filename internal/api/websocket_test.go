package api_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/api"
	"github.com/hivebot/orchestrator/pkg/types"
)

func TestHubRegisterAndClientCount(t *testing.T) {
	hub := api.NewHub(zap.NewNop())
	go hub.Run()

	client := api.NewClient("c1", hub, nil)
	hub.Register(client)

	waitFor(t, func() bool { return hub.ClientCount() == 1 })
}

func TestHubPublishToSubscribedChannelOnly(t *testing.T) {
	hub := api.NewHub(zap.NewNop())
	go hub.Run()

	subscribed := api.NewClient("subscribed", hub, nil)
	other := api.NewClient("other", hub, nil)
	hub.Register(subscribed)
	hub.Register(other)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	hub.Subscribe(subscribed, "positions")
	hub.PublishToChannel("positions", api.MsgTypePositionUpdate, types.Position{TradingPair: "SOL/USDC"})

	select {
	case raw := <-subscribed.SendChan():
		var msg api.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if msg.Type != api.MsgTypePositionUpdate || msg.Channel != "positions" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed client never received the publish")
	}

	select {
	case <-other.SendChan():
		t.Fatal("unsubscribed client should not receive the publish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := api.NewHub(zap.NewNop())
	go hub.Run()

	client := api.NewClient("c1", hub, nil)
	hub.Register(client)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Subscribe(client, "orders")
	hub.Unsubscribe(client, "orders")
	hub.PublishToChannel("orders", api.MsgTypeOrderUpdate, types.OrderUpdate{})

	select {
	case <-client.SendChan():
		t.Fatal("client should not receive a publish after unsubscribing")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastOrderUpdateFansOutToPairChannel(t *testing.T) {
	hub := api.NewHub(zap.NewNop())
	go hub.Run()

	client := api.NewClient("c1", hub, nil)
	hub.Register(client)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Subscribe(client, "orders:SOL/USDC")
	hub.BroadcastOrderUpdate(types.OrderUpdate{TradingPair: "SOL/USDC", FilledAmount: decimal.NewFromInt(1)})

	select {
	case raw := <-client.SendChan():
		var msg api.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if msg.Channel != "orders:SOL/USDC" {
			t.Errorf("expected per-pair channel, got %q", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed client never received the broadcast")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
