package risk

import "errors"

var (
	// ErrLocked 表示阈值处于锁定期内，拒绝修改。
	ErrLocked = errors.New("risk: 风控配置已锁定")

	// ErrNegativeThreshold 表示提交了负数阈值。
	ErrNegativeThreshold = errors.New("risk: 阈值不能为负")
)
