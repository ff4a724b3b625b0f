// feed streams a synthetic, slowly drifting object collection at a running
// server, exercising the whole add/update/remove path.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"scenesync.dev/internal/protocol"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "feed", "client name")
		count    = flag.Int("count", 12, "objects in the collection")
		interval = flag.Duration("interval", 500*time.Millisecond, "time between STATE updates")
		churn    = flag.Float64("churn", 0.1, "probability an object is dropped/respawned per update")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[feed] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		logger.Fatalf("bad WELCOME: %s", msg)
	}
	logger.Printf("session %s on stage %s", welcome.SessionID, welcome.StageID)

	// Reader: log ACKs and ERRORs.
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeAck:
				var ack protocol.AckMsg
				if json.Unmarshal(msg, &ack) == nil {
					logger.Printf("pass %d: +%d ~%d -%d (%d live, %d failed)",
						ack.Pass, ack.Added, ack.Changed, ack.Removed, ack.Objects, len(ack.Failures))
				}
			case protocol.TypeError:
				var em protocol.ErrorMsg
				if json.Unmarshal(msg, &em) == nil {
					logger.Printf("server error %s: %s", em.Code, em.Message)
				}
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	objs := map[string]protocol.ObjectModel{}
	for i := 0; i < *count; i++ {
		objs[fmt.Sprintf("obj_%02d", i)] = spawn()
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	var seq uint64
	phase := 0.0

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		phase += 0.15
		for k, m := range objs {
			if rand.Float64() < *churn {
				delete(objs, k)
				continue
			}
			// Drift in a slow circle.
			m.Pos[0] += 0.2 * math.Cos(phase)
			m.Pos[2] += 0.2 * math.Sin(phase)
			objs[k] = m
		}
		for len(objs) < *count {
			objs[fmt.Sprintf("obj_%02d_%04d", len(objs), rand.Intn(10000))] = spawn()
		}

		seq++
		state := protocol.StateMsg{
			Type:            protocol.TypeState,
			ProtocolVersion: protocol.Version,
			Seq:             seq,
			Objects:         objs,
		}
		if err := conn.WriteJSON(state); err != nil {
			logger.Fatalf("send STATE: %v", err)
		}
	}
}

func spawn() protocol.ObjectModel {
	kinds := []string{"marker", "beacon", "label"}
	colors := []string{"#22aa55", "#5577ff", "#ff8833", "#cc2244"}
	return protocol.ObjectModel{
		Kind:  kinds[rand.Intn(len(kinds))],
		Pos:   [3]float64{rand.Float64()*20 - 10, 0, rand.Float64()*20 - 10},
		Yaw:   float64(rand.Intn(360)),
		Scale: 1,
		Color: colors[rand.Intn(len(colors))],
	}
}
