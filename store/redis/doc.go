// Package redis exports task store snapshots to Redis.
//
// Each replica writes its snapshots under its own node id. A snapshot is a
// Hash keyed by the applied index it covers, and a Sorted Set per node
// orders them by index so the newest is one ZREVRANGE away. Older
// snapshots beyond the retention count are pruned on every save.
//
// The export is a copy for operators and disaster recovery. Replicas never
// read it back on their own: recovery always goes through the local log.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	node.OnSnapshot(s.Hook(ctx, "node1"))
package redis
