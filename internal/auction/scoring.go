package auction

// 评分全部采用整数定点运算，10000 为 1.0 的基准刻度。
const (
	scoreScale = 10000

	// MatchFloor 是参与报价所需的最低能力匹配分。
	MatchFloor = 300

	weightPrice      = 40
	weightMatch      = 30
	weightReputation = 20
	weightSpeed      = 10
)

// ComputeBidAmount 根据任务预算与智能体画像推导建议报价。
// estimatedTime 为预计完成耗时（秒），window 为任务的履约窗口秒数。
func ComputeBidAmount(budget, estimatedTime, window, matchScore, reputation, successRate int64) int64 {
	if budget <= 0 {
		return 0
	}
	if window <= 0 {
		window = 1
	}
	est := estimatedTime
	if est < 0 {
		est = 0
	}
	if est > window {
		est = window
	}

	base := budget * 50 / 100
	timeFactor := 9000 + 2000*(window-est)/window
	capFactor := scoreScale + (matchScore-500)*2
	repFactor := 9000 + reputation*2
	successFactor := 9000 + successRate*20

	amount := base * timeFactor / scoreScale
	amount = amount * capFactor / scoreScale
	amount = amount * repFactor / scoreScale
	amount = amount * successFactor / scoreScale

	lo := budget * 10 / 100
	hi := budget * 90 / 100
	if amount < lo {
		amount = lo
	}
	if amount > hi {
		amount = hi
	}
	return amount
}

// WeightedScore 计算单个报价的综合得分，分值越高越优。
func WeightedScore(budget int64, bid Bid) int64 {
	if budget <= 0 {
		return 0
	}
	price := (budget - bid.Amount) * scoreScale / budget
	if price < 0 {
		price = 0
	}
	match := bid.CapabilityMatch * 10
	rep := bid.Reputation * 10
	est := bid.EstimatedTime
	if est < 1 {
		est = 1
	}
	speed := scoreScale / est
	if speed > scoreScale {
		speed = scoreScale
	}
	return (price*weightPrice + match*weightMatch + rep*weightReputation + speed*weightSpeed) / 100
}

// SelectWinner 从报价列表中选出得分最高者；得分相同取先到者。
// 返回中标报价在列表中的下标，列表为空时返回 -1。
func SelectWinner(budget int64, bids []Bid) int {
	winner := -1
	var best int64
	for i, bid := range bids {
		score := WeightedScore(budget, bid)
		if winner == -1 || score > best {
			winner = i
			best = score
		}
	}
	return winner
}
