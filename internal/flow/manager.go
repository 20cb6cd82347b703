package flow

import (
	"github.com/hervala/kafka-flow/internal/client"
)

// Manager 流控管理器，与一个存活的客户端实例一一对应。
// 客户端因致命错误被重建后旧Manager即失效，不得缓存跨代使用。
type Manager struct {
	cl client.Client
}

// NewManager 创建流控管理器
func NewManager(cl client.Client) *Manager {
	return &Manager{cl: cl}
}

// Pause 暂停指定分区的拉取
func (m *Manager) Pause(tps []client.TopicPartition) {
	m.cl.Pause(tps)
}

// Resume 恢复指定分区的拉取
func (m *Manager) Resume(tps []client.TopicPartition) {
	m.cl.Resume(tps)
}

// PauseAll 暂停当前分配的全部分区
func (m *Manager) PauseAll() {
	m.cl.Pause(m.cl.Assignment())
}

// ResumeAll 恢复当前分配的全部分区
func (m *Manager) ResumeAll() {
	m.cl.Resume(m.cl.Assignment())
}
