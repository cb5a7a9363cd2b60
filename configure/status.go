package configure

/*
	세션 상태는 세션 아이디를 키로 로컬 캐시나 redis 에 저장된다.
	redis 를 쓰면 여러 에뮬레이터 인스턴스의 상태를 한 곳에서 조회할 수 있다.
	로컬 캐시는 단일 인스턴스에서만 의미가 있다.
*/
import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kokoavailable/wavemu/sv"

	"github.com/go-redis/redis/v7"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const statusPrefix = "wavemu:status:"

var ErrStatusNotFound = errors.New("status not found")

type StatusStore struct {
	redisCli   *redis.Client
	localCache *cache.Cache
}

var Statuses = NewLocalStatusStore()

func NewLocalStatusStore() *StatusStore {
	return &StatusStore{localCache: cache.New(cache.NoExpiration, 0)}
}

// NewStatusStore uses redis when addr is set and the local cache otherwise.
func NewStatusStore(addr, password string) (*StatusStore, error) {
	if addr == "" {
		return NewLocalStatusStore(), nil
	}
	cli := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if _, err := cli.Ping().Result(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	log.Info("Redis connected")
	return &StatusStore{redisCli: cli}, nil
}

// Init points Statuses at redis when redis_addr is configured.
func Init() error {
	s, err := NewStatusStore(Config.GetString("redis_addr"), Config.GetString("redis_pwd"))
	if err != nil {
		return err
	}
	Statuses = s
	return nil
}

func (s *StatusStore) local() bool {
	return s.redisCli == nil
}

func (s *StatusStore) Publish(st sv.Status) error {
	if s.local() {
		s.localCache.SetDefault(st.ID, st)
		return nil
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.redisCli.Set(statusPrefix+st.ID, b, 0).Err()
}

func (s *StatusStore) Get(id string) (sv.Status, error) {
	if s.local() {
		v, found := s.localCache.Get(id)
		if !found {
			return sv.Status{}, fmt.Errorf("%w: %s", ErrStatusNotFound, id)
		}
		return v.(sv.Status), nil
	}

	b, err := s.redisCli.Get(statusPrefix + id).Bytes()
	if err == redis.Nil {
		return sv.Status{}, fmt.Errorf("%w: %s", ErrStatusNotFound, id)
	} else if err != nil {
		return sv.Status{}, err
	}
	var st sv.Status
	if err := json.Unmarshal(b, &st); err != nil {
		return sv.Status{}, err
	}
	return st, nil
}

// Delete 는 키가 없어도 실패로 보지 않는다.
func (s *StatusStore) Delete(id string) error {
	if s.local() {
		s.localCache.Delete(id)
		return nil
	}
	return s.redisCli.Del(statusPrefix + id).Err()
}

func (s *StatusStore) Close() error {
	if s.local() {
		return nil
	}
	return s.redisCli.Close()
}
