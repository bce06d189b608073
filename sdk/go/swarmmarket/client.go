package swarmmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the SwarmMarket REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Agent mirrors the registry view of a market participant.
type Agent struct {
	Address        string  `json:"address"`
	AgentID        string  `json:"agent_id"`
	Capabilities   []int64 `json:"capabilities"`
	Reputation     int64   `json:"reputation"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	Active         bool    `json:"active"`
}

// Task mirrors the ledger view of an escrowed task.
type Task struct {
	ID                   int64    `json:"id"`
	MissionID            string   `json:"mission_id,omitempty"`
	Sponsor              string   `json:"sponsor"`
	TaskType             string   `json:"task_type"`
	Description          string   `json:"description"`
	Location             [2]int64 `json:"location"`
	RequiredCapabilities []int64  `json:"required_capabilities"`
	Budget               int64    `json:"budget"`
	State                string   `json:"state"`
	AuctionDeadline      int64    `json:"auction_deadline"`
	CompletionDeadline   int64    `json:"completion_deadline,omitempty"`
	AssignedAgent        string   `json:"assigned_agent,omitempty"`
	WinningBid           int64    `json:"winning_bid,omitempty"`
	EscrowedAmount       int64    `json:"escrowed_amount"`
	ProofHash            string   `json:"proof_hash,omitempty"`
	AnchorRef            string   `json:"anchor_ref,omitempty"`
}

// Bid mirrors a recorded auction bid.
type Bid struct {
	TaskID          int64  `json:"task_id"`
	Bidder          string `json:"bidder"`
	Amount          int64  `json:"amount"`
	EstimatedTime   int64  `json:"estimated_time"`
	CapabilityMatch int64  `json:"capability_match"`
	Reputation      int64  `json:"reputation"`
}

// Submission mirrors a proof submission and its verdict.
type Submission struct {
	TaskID         int64    `json:"task_id"`
	Agent          string   `json:"agent"`
	BundleHash     string   `json:"bundle_hash"`
	EvidenceHashes []string `json:"evidence_hashes,omitempty"`
	State          string   `json:"state"`
	Result         *struct {
		Verified        bool   `json:"verified"`
		FailedCriterion string `json:"failed_criterion,omitempty"`
	} `json:"result,omitempty"`
}

// Withdrawal reports the amount moved out of a market balance.
type Withdrawal struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// RegisterAgentRequest is the payload for agent registration.
type RegisterAgentRequest struct {
	Address      string  `json:"address"`
	AgentID      string  `json:"agent_id"`
	Capabilities []int64 `json:"capabilities"`
}

// CreateTaskRequest is the payload for creating an escrowed task.
type CreateTaskRequest struct {
	Sponsor              string   `json:"sponsor"`
	MissionID            string   `json:"mission_id,omitempty"`
	TaskType             string   `json:"task_type,omitempty"`
	Description          string   `json:"description,omitempty"`
	Location             [2]int64 `json:"location"`
	RequiredCapabilities []int64  `json:"required_capabilities"`
	Budget               int64    `json:"budget"`
	Deposit              int64    `json:"deposit"`
}

// PlaceBidRequest is the payload for bidding on an open auction.
type PlaceBidRequest struct {
	Bidder        string `json:"bidder"`
	EstimatedTime int64  `json:"estimated_time"`
}

// SubmitProofRequest is the payload for delivering a proof of completion.
type SubmitProofRequest struct {
	Agent              string   `json:"agent"`
	WaypointsHash      string   `json:"waypoints_hash,omitempty"`
	EvidenceHashes     []string `json:"evidence_hashes"`
	ClaimedCompletedAt int64    `json:"claimed_completed_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("swarmmarket api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the SwarmMarket API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// RegisterAgent enrolls a new agent in the capability registry.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents", req, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// CreateTask escrows a budget and opens the auction.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", req, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID int64) (Task, error) {
	var task Task
	if err := c.get(ctx, fmt.Sprintf("/api/v1/tasks/%d", taskID), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// PlaceBid bids on an open auction on behalf of an agent.
func (c *Client) PlaceBid(ctx context.Context, taskID int64, req PlaceBidRequest) (Bid, error) {
	var bid Bid
	if err := c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/bids", taskID), req, &bid); err != nil {
		return Bid{}, err
	}
	return bid, nil
}

// CloseAuction settles the auction after its deadline and assigns the winner.
func (c *Client) CloseAuction(ctx context.Context, caller string, taskID int64) (Task, error) {
	var task Task
	payload := struct {
		Caller string `json:"caller"`
	}{Caller: caller}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/close", taskID), payload, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// SubmitProof delivers the completion proof for an assigned task.
func (c *Client) SubmitProof(ctx context.Context, taskID int64, req SubmitProofRequest) (Submission, error) {
	var submission Submission
	if err := c.post(ctx, fmt.Sprintf("/api/v1/tasks/%d/proof", taskID), req, &submission); err != nil {
		return Submission{}, err
	}
	return submission, nil
}

// Withdraw drains the caller's settled balance.
func (c *Client) Withdraw(ctx context.Context, address string) (Withdrawal, error) {
	var withdrawal Withdrawal
	if err := c.post(ctx, fmt.Sprintf("/api/v1/accounts/%s/withdraw", url.PathEscape(address)), struct{}{}, &withdrawal); err != nil {
		return Withdrawal{}, err
	}
	return withdrawal, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
