package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// stateTTL はOAuthステート値の有効期間。
// 認可画面での滞留を考慮しつつ、使い捨て値として短めに保つ。
const stateTTL = 10 * time.Minute

// StateStore はOAuth2のstateパラメータを一時保存するストア。
// stateはCSRF対策の使い捨て値であり、検証と同時に削除される。
type StateStore interface {
	// Save はstateをTTL付きで保存する。
	Save(ctx context.Context, state string, ttl time.Duration) error
	// Consume はstateの存在を確認し、存在した場合は削除して trueを返す。
	Consume(ctx context.Context, state string) (bool, error)
}

// redisStateStore はRedisを使ったStateStoreの実装。
// 複数インスタンス構成でもコールバックがどのインスタンスに
// 着地してもstateを検証できる。
type redisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore はRedisベースのStateStoreを生成する。
func NewRedisStateStore(addr, password string) StateStore {
	return &redisStateStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// stateKey はRedisに保存するstateのキーを組み立てる。
func stateKey(state string) string {
	return "oauth:state:" + state
}

// Save はstateをTTL付きでRedisに保存する。
func (r *redisStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	if err := r.client.Set(ctx, stateKey(state), "1", ttl).Err(); err != nil {
		return fmt.Errorf("OAuthステートの保存に失敗: %w", err)
	}
	return nil
}

// Consume はstateを取得と同時に削除する。
func (r *redisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	_, err := r.client.GetDel(ctx, stateKey(state)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("OAuthステートの検証に失敗: %w", err)
	}
	return true, nil
}

// memoryStateStore はプロセス内メモリを使ったStateStoreの実装。
// Redisが設定されていないローカル開発とテストで使う。
// 単一インスタンス構成でのみ正しく動作する。
type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
}

// NewMemoryStateStore はインメモリのStateStoreを生成する。
func NewMemoryStateStore() StateStore {
	return &memoryStateStore{states: make(map[string]time.Time)}
}

// Save はstateを有効期限付きで保存する。
// 放置されたログイン試行が溜まり続けないよう、期限切れのstateを併せて掃除する。
func (m *memoryStateStore) Save(_ context.Context, state string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for s, expiry := range m.states {
		if now.After(expiry) {
			delete(m.states, s)
		}
	}
	m.states[state] = now.Add(ttl)
	return nil
}

// Consume はstateの存在と有効期限を確認し、削除する。
func (m *memoryStateStore) Consume(_ context.Context, state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.states[state]
	if !ok {
		return false, nil
	}
	delete(m.states, state)
	if time.Now().After(expiry) {
		return false, nil
	}
	return true, nil
}
