// Package quarry is an embedded per-shard search-index storage engine.
//
// A Node manages shards under one data directory. Each shard is either
// read-write (documents flow through an index writer and a write-ahead
// translog) or a read-only shadow that follows commits made by someone
// else, e.g. a restore from a snapshot repository.
//
// Quick start:
//
//	node, err := quarry.Open("./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer node.Close()
//
//	shard, err := node.OpenShard(model.ShardID{Index: "articles", ID: 0})
//	if err != nil {
//	    panic(err)
//	}
//
//	err = shard.Index(model.Document{
//	    ID:     "1",
//	    Fields: map[string]string{"title": "hello"},
//	})
//	err = shard.Refresh("api")
//	res, err := shard.Get("1")
//
// The underlying packages are usable on their own: engine holds the two
// engine variants, store the ref-counted shard directory owner, searcher
// the refcounted point-in-time snapshots, blobstore and snapshot the
// durable backup path.
package quarry
