// 演示通过 SDK 驱动一次完整的任务托管、竞拍与交付流程。
package main

import (
	"context"
	"log"
	"os"
	"time"

	"SwarmMarket/sdk/go/swarmmarket"
)

func main() {
	base := os.Getenv("SWARMMARKET_API")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := swarmmarket.NewClient(base, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	agent, err := client.RegisterAgent(ctx, swarmmarket.RegisterAgentRequest{
		Address:      "robot-a",
		AgentID:      "scout-1",
		Capabilities: []int64{180, 160, 200, 140, 170},
	})
	if err != nil {
		log.Fatalf("注册智能体失败: %v", err)
	}
	log.Printf("已注册智能体 %s, 初始信誉 %d", agent.Address, agent.Reputation)

	task, err := client.CreateTask(ctx, swarmmarket.CreateTaskRequest{
		Sponsor:              "sponsor-1",
		TaskType:             "delivery",
		Description:          "将载荷送达 B 区装卸点",
		Location:             [2]int64{1200, -340},
		RequiredCapabilities: []int64{100, 100, 100, 100, 100},
		Budget:               1000,
		Deposit:              1000,
	})
	if err != nil {
		log.Fatalf("创建任务失败: %v", err)
	}
	log.Printf("任务 %d 已托管, 竞拍截止 %d", task.ID, task.AuctionDeadline)

	bid, err := client.PlaceBid(ctx, task.ID, swarmmarket.PlaceBidRequest{
		Bidder:        agent.Address,
		EstimatedTime: 60,
	})
	if err != nil {
		log.Fatalf("报价失败: %v", err)
	}
	log.Printf("报价已受理: %d (能力匹配 %d)", bid.Amount, bid.CapabilityMatch)

	// 等待竞拍窗口关闭，后台扫描循环会自动结拍。
	deadline := time.Unix(task.AuctionDeadline, 0)
	time.Sleep(time.Until(deadline) + 10*time.Second)

	assigned, err := client.GetTask(ctx, task.ID)
	if err != nil {
		log.Fatalf("查询任务失败: %v", err)
	}
	if assigned.AssignedAgent != agent.Address {
		log.Fatalf("任务未指派给本智能体: %+v", assigned)
	}

	submission, err := client.SubmitProof(ctx, task.ID, swarmmarket.SubmitProofRequest{
		Agent:              agent.Address,
		WaypointsHash:      "0x8d4f0c3b",
		EvidenceHashes:     []string{"0xe1", "0xe2", "0xe3"},
		ClaimedCompletedAt: time.Now().Unix(),
	})
	if err != nil {
		log.Fatalf("提交证明失败: %v", err)
	}
	log.Printf("证明状态: %s", submission.State)

	withdrawal, err := client.Withdraw(ctx, agent.Address)
	if err != nil {
		log.Fatalf("提现失败: %v", err)
	}
	log.Printf("已提现 %d", withdrawal.Amount)
}
