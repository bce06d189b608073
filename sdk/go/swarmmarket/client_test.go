package swarmmarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterAndCreateTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents":
			if r.Method != http.MethodPost {
				t.Fatalf("unexpected method: %s", r.Method)
			}
			var req RegisterAgentRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode register request: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Agent{Address: req.Address, AgentID: req.AgentID, Active: true})
		case "/api/v1/tasks":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Task{ID: 7, State: "auction_open", Budget: 1000})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	agent, err := client.RegisterAgent(context.Background(), RegisterAgentRequest{
		Address: "robot-a", AgentID: "scout-1", Capabilities: []int64{200, 200, 200, 200, 200},
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if agent.Address != "robot-a" || !agent.Active {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	task, err := client.CreateTask(context.Background(), CreateTaskRequest{
		Sponsor: "sponsor-1", Budget: 1000, Deposit: 1000,
		RequiredCapabilities: []int64{100, 100, 100, 100, 100},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID != 7 || task.State != "auction_open" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestBidAndProofPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/tasks/7/bids":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Bid{TaskID: 7, Bidder: "robot-a", Amount: 540})
		case "/api/v1/tasks/7/close":
			_ = json.NewEncoder(w).Encode(Task{ID: 7, State: "assigned", AssignedAgent: "robot-a"})
		case "/api/v1/tasks/7/proof":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Submission{TaskID: 7, Agent: "robot-a", State: "verified"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	bid, err := client.PlaceBid(ctx, 7, PlaceBidRequest{Bidder: "robot-a", EstimatedTime: 60})
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if bid.Amount != 540 {
		t.Fatalf("unexpected bid amount: %d", bid.Amount)
	}

	task, err := client.CloseAuction(ctx, "admin", 7)
	if err != nil {
		t.Fatalf("close auction: %v", err)
	}
	if task.AssignedAgent != "robot-a" {
		t.Fatalf("unexpected assignment: %+v", task)
	}

	submission, err := client.SubmitProof(ctx, 7, SubmitProofRequest{
		Agent: "robot-a", EvidenceHashes: []string{"0xe1", "0xe2", "0xe3"},
	})
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if submission.State != "verified" {
		t.Fatalf("unexpected submission state: %s", submission.State)
	}
}

func TestAPIErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "task not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.GetTask(context.Background(), 404)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "task not found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}
