package hub

import (
	"sort"
	"sync"

	"github.com/dkeye/Debate/internal/core"
)

type topicManager struct {
	mu     sync.RWMutex
	topics map[string]core.TopicService
}

func NewTopicManager() core.TopicManager {
	return &topicManager{topics: make(map[string]core.TopicService)}
}

func (m *topicManager) GetOrCreate(name string) core.TopicService {
	m.mu.RLock()
	t, ok := m.topics[name]
	m.mu.RUnlock()
	if ok {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.topics[name]; ok {
		return t
	}
	t = core.NewTopicService(name)
	m.topics[name] = t
	return t
}

func (m *topicManager) Get(name string) (core.TopicService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[name]
	return t, ok
}

func (m *topicManager) List() []core.TopicInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.TopicInfo, 0, len(m.topics))
	for name, t := range m.topics {
		out = append(out, core.TopicInfo{Name: name, MemberCount: t.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *topicManager) StopTopic(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics, name)
}
