package abac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

const (
	redisRelationPrefix = "permission:"
	redisGrantorPrefix  = "permissions_by_grantor:"
	redisScanBatch      = 100
)

// RedisPermissionStore mirrors permission relations in Redis as JSON values
// under "permission:{grantorId}:{granteeId}", with a per-grantor set index.
type RedisPermissionStore struct {
	client redis.UniversalClient
}

// NewRedisPermissionStore creates a store on an existing client
func NewRedisPermissionStore(client redis.UniversalClient) *RedisPermissionStore {
	return &RedisPermissionStore{client: client}
}

func relationKey(grantorID, granteeID string) string {
	return redisRelationPrefix + abac.PermissionKey(grantorID, granteeID)
}

func grantorIndexKey(grantorID string) string {
	return redisGrantorPrefix + grantorID
}

// Put writes the relation and its index entry atomically
func (s *RedisPermissionStore) Put(ctx context.Context, relation *abac.PermissionRelation) error {
	data, err := json.Marshal(relation)
	if err != nil {
		return abac.NewStoreError("failed to encode permission relation", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, relationKey(relation.GrantorID, relation.GranteeID), data, 0)
		pipe.SAdd(ctx, grantorIndexKey(relation.GrantorID), relation.GranteeID)
		return nil
	})
	if err != nil {
		return abac.NewStoreError("failed to write permission relation", err)
	}
	return nil
}

// Get returns the relation or abac.ErrRelationNotFound. A value stored
// under the same key for a different pair counts as not found.
func (s *RedisPermissionStore) Get(ctx context.Context, grantorID, granteeID string) (*abac.PermissionRelation, error) {
	data, err := s.client.Get(ctx, relationKey(grantorID, granteeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, abac.ErrRelationNotFound
	}
	if err != nil {
		return nil, abac.NewStoreError("failed to read permission relation", err)
	}
	relation, err := decodeRelation(data)
	if err != nil {
		return nil, err
	}
	if !relation.Between(grantorID, granteeID) {
		return nil, abac.ErrRelationNotFound
	}
	return relation, nil
}

// ListByGrantor returns the grantor's relations ordered by grantee
func (s *RedisPermissionStore) ListByGrantor(ctx context.Context, grantorID string) ([]*abac.PermissionRelation, error) {
	grantees, err := s.client.SMembers(ctx, grantorIndexKey(grantorID)).Result()
	if err != nil {
		return nil, abac.NewStoreError("failed to read grantor index", err)
	}
	keys := make([]string, len(grantees))
	for i, grantee := range grantees {
		keys[i] = relationKey(grantorID, grantee)
	}
	relations, err := s.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := relations[:0]
	for _, relation := range relations {
		if relation.GrantorID == grantorID {
			out = append(out, relation)
		}
	}
	return out, nil
}

// List scans every relation key
func (s *RedisPermissionStore) List(ctx context.Context) ([]*abac.PermissionRelation, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, redisRelationPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, abac.NewStoreError("failed to scan permission relations", err)
	}
	return s.load(ctx, keys)
}

func (s *RedisPermissionStore) load(ctx context.Context, keys []string) ([]*abac.PermissionRelation, error) {
	out := make([]*abac.PermissionRelation, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, abac.NewStoreError("failed to read permission relations", err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		relation, err := decodeRelation([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", strings.TrimPrefix(keys[i], redisRelationPrefix), err)
		}
		out = append(out, relation)
	}
	sortRelations(out)
	return out, nil
}

func decodeRelation(data []byte) (*abac.PermissionRelation, error) {
	var relation abac.PermissionRelation
	if err := json.Unmarshal(data, &relation); err != nil {
		return nil, abac.NewStoreError("failed to decode permission relation", err)
	}
	return &relation, nil
}
