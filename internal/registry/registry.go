package registry

import (
	"sync"

	"github.com/hervala/kafka-flow/internal/client"
)

// Handle 注册表中可被管理工具访问的消费者视图
type Handle interface {
	Name() string
	GroupID() string
	Subscription() []string
	Assignment() []client.TopicPartition
	MemberID() string
	ClientInstanceName() string
	State() string
	WorkerCount() int
	Pause() error
	Resume() error
}

// Registry 存活消费者注册表，编排器每次(重)建客户端时更新
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// New 创建注册表
func New() *Registry {
	return &Registry{
		handles: make(map[string]Handle),
	}
}

// AddOrUpdate 注册或更新消费者
func (r *Registry) AddOrUpdate(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.Name()] = h
}

// Get 按名称查找
func (r *Registry) Get(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// All 全部已注册消费者
func (r *Registry) All() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// Delete 按名称移除
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, name)
}
