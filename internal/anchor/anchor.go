// Package anchor 负责将结算回执摘要锚定到外部链上。
package anchor

import (
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt 描述一次结算的链下回执。
type Receipt struct {
	TaskID     int64  `json:"task_id"`
	Sponsor    string `json:"sponsor"`
	Agent      string `json:"agent"`
	Amount     int64  `json:"amount"`
	State      string `json:"state"`
	ProofHash  string `json:"proof_hash,omitempty"`
	SettledAt  int64  `json:"settled_at"`
}

// Digest 计算回执的 Keccak-256 摘要，作为锚定交易的 calldata。
func Digest(r Receipt) []byte {
	buf := make([]byte, 0, 128)
	buf = appendInt64(buf, r.TaskID)
	buf = append(buf, []byte(r.Sponsor)...)
	buf = append(buf, []byte(r.Agent)...)
	buf = appendInt64(buf, r.Amount)
	buf = append(buf, []byte(r.State)...)
	buf = append(buf, []byte(r.ProofHash)...)
	buf = appendInt64(buf, r.SettledAt)
	return crypto.Keccak256(buf)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

// Anchorer 将结算摘要写入外部存证系统。
type Anchorer interface {
	// AnchorSettlement 返回锚定凭证（例如交易哈希）。
	AnchorSettlement(ctx context.Context, receipt Receipt) (string, error)
	Close()
}

// Noop 在未配置链节点时充当占位实现。
type Noop struct{}

// AnchorSettlement 直接返回摘要的十六进制表示，不做任何网络操作。
func (Noop) AnchorSettlement(_ context.Context, receipt Receipt) (string, error) {
	return "0x" + hex.EncodeToString(Digest(receipt)), nil
}

// Close 无资源可释放。
func (Noop) Close() {}

var _ Anchorer = Noop{}
