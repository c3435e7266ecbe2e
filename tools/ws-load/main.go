package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"board-stream/internal/testtoken"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}

type serverMessage struct {
	Type string `json:"type"`
}

// ws-load holds WS_CONNECTIONS sessions joined to BOARD_ID for DURATION_SEC
// and counts the board events they receive.
func main() {
	wsURL := getenv("WS_URL", "ws://localhost:9000/ws")
	boardID := getenv("BOARD_ID", "perf-board")
	conns := getenvInt("WS_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second

	var events, attempts, failures uint64

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(conns)
	for i := range conns {
		go func(i int) {
			defer wg.Done()
			token, err := testtoken.FromEnv(fmt.Sprintf("perf-user-%d", i+1))
			if err != nil {
				log.Fatalf("token: %v", err)
			}
			target := wsURL + "?token=" + url.QueryEscape(token)
			backoff := time.Second
			for ctx.Err() == nil {
				atomic.AddUint64(&attempts, 1)
				n, err := session(ctx, target, boardID)
				atomic.AddUint64(&events, n)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					log.WithError(err).Debug("session ended")
				}
				atomic.AddUint64(&failures, 1)
				time.Sleep(backoff)
				backoff = min(backoff*2, 5*time.Second)
			}
		}(i)
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if atomic.LoadUint64(&events) == 0 {
				fmt.Println("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	failuresVal := atomic.LoadUint64(&failures)
	attemptsVal := atomic.LoadUint64(&attempts)
	eventsVal := atomic.LoadUint64(&events)
	failureRate := 0.0
	if attemptsVal > 0 {
		failureRate = float64(failuresVal) / float64(attemptsVal)
	}
	fmt.Printf("connections=%d duration_sec=%d events_received=%d connection_failures=%d\n", conns, int(duration.Seconds()), eventsVal, failuresVal)
	if eventsVal == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

// session joins the board and counts events until ctx ends or the
// connection drops.
func session(ctx context.Context, target, boardID string) (uint64, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return 0, err
	}
	defer ws.Close()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	join, _ := sonic.Marshal(map[string]string{"type": "join_board", "boardId": boardID})
	if err := ws.WriteMessage(websocket.TextMessage, join); err != nil {
		return 0, err
	}
	var n uint64
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return n, err
		}
		var msg serverMessage
		if sonic.Unmarshal(data, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "board_event", "list_event", "task_event":
			n++
		}
	}
}
