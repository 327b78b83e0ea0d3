package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// testGateway is a minimal in-process RTC gateway: it acks every request and
// lets the test push server events.
type testGateway struct {
	srv    *httptest.Server
	events chan envelope
	seen   chan envelope
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	tg := &testGateway{
		events: make(chan envelope, 8),
		seen:   make(chan envelope, 32),
	}
	tg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		go func() {
			for ev := range tg.events {
				data, _ := json.Marshal(ev)
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			tg.seen <- env
			ack := envelope{Op: opAck, Ack: env.Seq, OK: true}
			if env.Op == opDevices {
				ack.Devices = []Device{{ID: "mic-1", Label: "Built-in Microphone"}}
			}
			out, _ := json.Marshal(ack)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(tg.srv.Close)
	return tg
}

func (tg *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(tg.srv.URL, "http")
}

func newTestEngine(t *testing.T, tg *testGateway) *GatewayEngine {
	t.Helper()
	eng := NewGatewayEngine(GatewayConfig{
		URL:               tg.wsURL(),
		RequestTimeout:    2 * time.Second,
		ReconnectAttempts: 1,
		ReconnectDelay:    10 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestGatewayJoinAndDeviceEnumeration(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t)
	eng := newTestEngine(t, tg)

	joined := make(chan struct{}, 1)
	eng.On(EventJoined, func(Event) { joined <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := eng.Join(ctx, JoinParams{RoomID: "r1", UserID: "u1", Token: "t1", AppID: "a1"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("no joined event")
	}

	devices, err := eng.AudioInputs(ctx)
	if err != nil {
		t.Fatalf("AudioInputs failed: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "mic-1" {
		t.Fatalf("devices = %+v", devices)
	}
}

func TestGatewayRejectsDoubleJoin(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t)
	eng := newTestEngine(t, tg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := eng.Join(ctx, JoinParams{RoomID: "r1", UserID: "u1"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := eng.Join(ctx, JoinParams{RoomID: "r1", UserID: "u1"}); err == nil {
		t.Fatal("second Join should fail")
	}
}

func TestGatewayBinaryMessageRoundTrip(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t)
	eng := newTestEngine(t, tg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := eng.Join(ctx, JoinParams{RoomID: "r1", UserID: "u1"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	<-tg.seen // drain join

	received := make(chan []byte, 1)
	eng.On(EventBinaryMessage, func(ev Event) { received <- ev.Data })

	// Outbound: payload reaches the gateway base64 encoded.
	if err := eng.SendBinary(ctx, "agent-1", []byte{0x01, 0x02}); err != nil {
		t.Fatalf("SendBinary failed: %v", err)
	}
	sent := <-tg.seen
	if sent.Op != opSend || sent.To != "agent-1" {
		t.Fatalf("gateway saw %+v", sent)
	}
	if decoded, _ := base64.StdEncoding.DecodeString(sent.Data); len(decoded) != 2 || decoded[0] != 0x01 {
		t.Fatalf("payload decoded to % x", decoded)
	}

	// Inbound: server event surfaces as a binary message.
	tg.events <- envelope{Op: opEvent, Event: "message", User: "agent-1", Data: base64.StdEncoding.EncodeToString([]byte("tlv"))}
	select {
	case data := <-received:
		if string(data) != "tlv" {
			t.Fatalf("data = %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("binary message never delivered")
	}
}

func TestGatewayCloseWithInflightRequests(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t)
	eng := newTestEngine(t, tg)

	// Keep the gateway's request log from backing up under the flood.
	go func() {
		for range tg.seen {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Join(ctx, JoinParams{RoomID: "r1", UserID: "u1"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// Race in-flight acks against Close. Requests failing with a closed
	// gateway error is expected; the process must not panic.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = eng.PublishAudio(ctx)
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	_ = eng.Close()
	wg.Wait()
}

func TestGatewayServerEventMapping(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t)
	eng := newTestEngine(t, tg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Join(ctx, JoinParams{RoomID: "r1", UserID: "u1"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	kinds := make(chan EventKind, 8)
	for _, k := range []EventKind{EventUserLeft, EventRoomMessage, EventNetworkQuality} {
		eng.On(k, func(ev Event) { kinds <- ev.Kind })
	}

	tg.events <- envelope{Op: opEvent, Event: "user_left", User: "agent-1"}
	tg.events <- envelope{Op: opEvent, Event: "room_message", Text: `{"type":"room_destroyed","reason":"session_end"}`}
	tg.events <- envelope{Op: opEvent, Event: "network_quality", Quality: 3}

	want := []EventKind{EventUserLeft, EventRoomMessage, EventNetworkQuality}
	for i, k := range want {
		select {
		case got := <-kinds:
			if got != k {
				t.Fatalf("event %d = %v, want %v", i, got, k)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %v never delivered", k)
		}
	}
}
