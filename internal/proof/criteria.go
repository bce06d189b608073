package proof

import (
	"fmt"
	"os"
	"strings"

	xerrors "SwarmMarket/internal/errors"
	"gopkg.in/yaml.v3"
)

// 内置校验判据名，裁决中按首个未通过的判据命名失败原因。
const (
	CriterionWaypoints      = "waypoints"
	CriterionEvidenceCount  = "evidence_count"
	CriterionDeadline       = "deadline"
	CriterionCompletionTime = "completion_time"
)

// Criteria 描述某个任务的履约校验要求。
// MaxCompletionTime 约束从任务创建到声称完成的最长秒数；
// LocationTolerance 内置审查器不使用，仅提供给持有定位数据的外部审查器。
type Criteria struct {
	LocationTolerance int64 `json:"location_tolerance" yaml:"location_tolerance"`
	MaxCompletionTime int64 `json:"max_completion_time" yaml:"max_completion_time"`
	MinEvidenceCount  int   `json:"min_evidence_count" yaml:"min_evidence_count"`
	RequireWaypoints  bool  `json:"require_waypoints" yaml:"require_waypoints"`
}

// DefaultCriteria 返回未在目录中声明的任务类型所使用的判据。
func DefaultCriteria() Criteria {
	return Criteria{
		LocationTolerance: 500,
		MaxCompletionTime: 300,
		MinEvidenceCount:  3,
		RequireWaypoints:  true,
	}
}

// Catalogue 按任务类型保存判据默认值。
type Catalogue struct {
	fallback Criteria
	byType   map[string]Criteria
}

type catalogueFile struct {
	Default   *Criteria           `yaml:"default"`
	TaskTypes map[string]Criteria `yaml:"task_types"`
}

// LoadCatalogue 从 YAML 文件加载判据目录；路径为空时返回内置默认值。
func LoadCatalogue(path string) (*Catalogue, error) {
	catalogue := &Catalogue{
		fallback: DefaultCriteria(),
		byType:   make(map[string]Criteria),
	}
	if strings.TrimSpace(path) == "" {
		return catalogue, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取判据目录 %s 失败", path))
	}
	var file catalogueFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析判据目录失败")
	}
	if file.Default != nil {
		catalogue.fallback = *file.Default
	}
	for taskType, criteria := range file.TaskTypes {
		catalogue.byType[strings.TrimSpace(taskType)] = criteria
	}
	return catalogue, nil
}

// For 返回指定任务类型的判据，未声明的类型使用默认判据。
func (c *Catalogue) For(taskType string) Criteria {
	if c == nil {
		return DefaultCriteria()
	}
	if criteria, ok := c.byType[strings.TrimSpace(taskType)]; ok {
		return criteria
	}
	return c.fallback
}
