package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messenger/internal/models"
	"messenger/internal/presence"
	"messenger/internal/reconcile"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 50 // ⚠️ Start small. Database might choke on 500 pairs immediately.
	MsgCount  = 20 // Messages per user
)

type AuthResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
	Email string `json:"email"`
}

type ConversationResponse struct {
	ID string `json:"id"`
}

func main() {
	log.Printf("🔥 STARTING STRESS TEST: %d users, %d messages each...", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	// Pairs: user 0a talks to user 0b, 1a to 1b...
	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("✅ LOAD TEST COMPLETE")
}

func runPair(pairID int) {
	emailA := fmt.Sprintf("u_%d_a@loadtest.local", pairID)
	emailB := fmt.Sprintf("u_%d_b@loadtest.local", pairID)
	pass := "password123"

	tokenA, _ := authenticate(fmt.Sprintf("u_%d_a", pairID), emailA, pass)
	tokenB, idB := authenticate(fmt.Sprintf("u_%d_b", pairID), emailB, pass)

	if tokenA == "" || tokenB == "" {
		return
	}

	// A starts the direct conversation with B
	convID := createConversation(tokenA, idB)
	if convID == "" {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)

	go runClient(&wsWg, tokenA, convID, emailA)
	go runClient(&wsWg, tokenB, convID, emailB)

	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, email, password string) (string, string) {
	postJSON("/register", map[string]string{"username": username, "email": email, "password": password})

	resp, err := postJSON("/login", map[string]string{"email": email, "password": password})
	if err != nil {
		log.Printf("❌ Login failed [%s]: %v", email, err)
		return "", ""
	}

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	resp.Body.Close()
	return data.Token, data.ID
}

func createConversation(token, targetID string) string {
	jsonBody, _ := json.Marshal(map[string]string{"user_id": targetID})
	req, _ := http.NewRequest("POST", BaseURL+"/api/conversations", bytes.NewBuffer(jsonBody))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil || (resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated) {
		log.Printf("❌ Create chat failed: %v", err)
		return ""
	}
	defer resp.Body.Close()

	var data ConversationResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.ID
}

// runClient drives one user end to end: a reconciling view fed by pushed
// frames, a presence tracker over the same connection, and MsgCount
// messages sent through the REST API.
func runClient(wg *sync.WaitGroup, token, convID, email string) {
	defer wg.Done()
	ctx := context.Background()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", WSURL, token), nil)
	if err != nil {
		log.Printf("❌ WS connect fail [%s]: %v", email, err)
		return
	}
	defer conn.Close()

	broker := newWSBroker(conn)

	tracker := presence.NewTracker(broker, presenceSnapshot(token), slog.Default())
	if err := tracker.Subscribe(ctx); err != nil {
		log.Printf("❌ Presence subscribe fail [%s]: %v", email, err)
		return
	}
	defer tracker.Unsubscribe()

	cid, err := uuid.Parse(convID)
	if err != nil {
		log.Printf("❌ Bad conversation id [%s]: %v", email, err)
		return
	}

	history := fetchHistory(token, convID)
	session := reconcile.NewSession(broker, slog.Default())
	view, err := session.Open(ctx, cid, history)
	if err != nil {
		log.Printf("❌ Open conversation fail [%s]: %v", email, err)
		return
	}
	defer session.CloseAll()

	for i := 0; i < MsgCount; i++ {
		body := map[string]string{"body": fmt.Sprintf("LoadTest msg %d from %s", i, email)}
		jsonBody, _ := json.Marshal(body)
		req, _ := http.NewRequest("POST", fmt.Sprintf("%s/api/conversations/%s/messages", BaseURL, convID), bytes.NewBuffer(jsonBody))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Printf("❌ Send fail [%s]: %v", email, err)
			break
		}
		resp.Body.Close()
		// Small sleep to prevent an instant localhost bottleneck
		time.Sleep(10 * time.Millisecond)
	}

	// Both sides send MsgCount; wait for the view to converge on the full
	// conversation before reporting.
	want := len(history) + 2*MsgCount
	deadline := time.Now().Add(15 * time.Second)
	for view.Len() < want && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if view.Len() < want {
		log.Printf("⚠️ %s view has %d of %d messages at deadline", email, view.Len(), want)
		return
	}
	log.Printf("✅ %s converged on %d msgs, %d users online", email, view.Len(), len(tracker.Online()))
}

func fetchHistory(token, convID string) []*models.Message {
	req, _ := http.NewRequest("GET", fmt.Sprintf("%s/api/conversations/%s/messages", BaseURL, convID), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	var msgs []*models.Message
	json.NewDecoder(resp.Body).Decode(&msgs)
	return msgs
}

func presenceSnapshot(token string) presence.SnapshotFunc {
	return func(ctx context.Context) ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", BaseURL+"/api/presence", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("presence snapshot: status %d", resp.StatusCode)
		}

		var data struct {
			Online []string `json:"online"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return nil, err
		}
		return data.Online, nil
	}
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
