package notify

import (
	"context"
	"sync"
)

// StubNotifier 占位实现：记录请求不投递，供测试与装配使用。
type StubNotifier struct {
	mu   sync.Mutex
	reqs []Request
	Err  error
}

func (s *StubNotifier) RequestConfirmation(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.Err
}

// Requests 返回已收到请求的副本。
func (s *StubNotifier) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.reqs...)
}
