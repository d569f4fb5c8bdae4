// Package synctree keeps typed Go values synchronized with a remote
// hierarchical JSON tree. It layers typed stores, optimistic single-key
// transactions, translated change streams, and local replicas on top of a
// small HTTP wire contract, so applications work with their own structs
// while the server only ever sees JSON subtrees.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Stores and codecs
//
// A Store binds one subtree path to a Go type through a Codec. The default
// JSONCodec round-trips values with encoding/json and folds partial
// updates with RFC 7386 merge-patch semantics:
//
//	type Account struct {
//	    Owner   string            `json:"owner"`
//	    Balance int               `json:"balance"`
//	    Tags    map[string]string `json:"tags,omitempty"`
//	}
//
//	cli, err := client.New("http://tree.example.com:7420")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	accounts, err := synctree.NewStore[Account](cli, "/accounts", synctree.JSONCodec[Account]())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := accounts.Put(ctx, "alice", Account{Owner: "alice", Balance: 10}); err != nil {
//	    log.Fatal(err)
//	}
//	alice, ok, err := accounts.Fetch(ctx, "alice")
//
// Fetch reports absence through its second return instead of an error.
// Patch merges fields (whose names may be slash paths reaching deeper
// values) and returns the merged entry; Create stores a value under a
// fresh lexicographically ordered key; Keys lists child names without
// transferring values. FetchAll accepts an optional api.Filter that
// orders, bounds, and limits the children server-side.
//
// # Transactions
//
// Single-key transactions ride on version tokens. Transaction fetches the
// entry with its token, hands the value to a callback, and commits the
// outcome conditionally; a concurrent writer defeats the commit with
// api.ErrPreconditionFailed:
//
//	updated, err := accounts.Transaction(ctx, "alice", func(cur Account, exists bool) synctree.TransactionOutcome[Account] {
//	    if !exists {
//	        return synctree.TxnUpdate(Account{Owner: "alice", Balance: 1})
//	    }
//	    cur.Balance += 5
//	    return synctree.TxnUpdate(cur)
//	})
//
// There is no built-in retry: callers decide whether losing the race is
// worth another round. The lower-level Begin/Commit pair exposes the same
// token plumbing when a callback does not fit the control flow.
//
// # Subscriptions
//
// Subscribe translates the server's wire events into a closed set of typed
// events: ResetEvent (the full key space), PutEvent, DeleteEvent,
// PatchEvent (a deferred PatchSet applied against whatever base the
// consumer holds), and InvalidEvent for notifications the store cannot
// interpret. A type switch over those five is exhaustive:
//
//	stream, err := accounts.Subscribe(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stream.Close()
//	for {
//	    ev, err := stream.Next(ctx)
//	    if err != nil {
//	        break // terminal: canceled, auth revoked, or transport failure
//	    }
//	    switch e := ev.(type) {
//	    case synctree.ResetEvent[Account]:
//	        rebuild(e.Values)
//	    case synctree.PutEvent[Account]:
//	        upsert(e.Key, e.Value)
//	    case synctree.DeleteEvent[Account]:
//	        remove(e.Key)
//	    case synctree.PatchEvent[Account]:
//	        merged, _ := e.Patch.Apply(lookup(e.Key))
//	        upsert(e.Key, merged)
//	    case synctree.InvalidEvent[Account]:
//	        // informational; the stream keeps going
//	    }
//	}
//
// SubscribeKey follows a single entry (ValueEvent/ClearEvent) and tracks
// its latest value; SubscribeKeys follows just the set of child names.
// Stream errors are sticky: after Next returns an error every subsequent
// call returns the same error.
//
// # Replicas and mirrors
//
// A Replica keeps a mirror.Store loyal to the remote subtree. Reload bulk
// fetches and reconciles per the configured ReloadStrategy
// (ReloadCompareValue by default, which skips writes for structurally equal
// values), and Run applies translated events until the context ends:
//
//	m, err := diskstore.New("/var/lib/accounts-mirror")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	replica, err := synctree.NewReplica(accounts, m)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := replica.Reload(ctx, nil); err != nil {
//	    log.Fatal(err)
//	}
//	go func() { _ = replica.Run(ctx) }()
//
// Get, Values, Keys, ContainsKey, and Iterate serve from the mirror and
// never touch the network; Fetch and the write operations pass through to
// the remote first and update the mirror on success. Mirror backends live
// under mirror/: memstore (ordered in-memory), diskstore (one file per key
// with atomic renames), and pgstore (PostgreSQL via lib/pq).
//
// # Test server
//
// StartTestServer runs a complete in-process server backed by an
// in-memory tree, so integration tests exercise the real wire protocol
// without external processes:
//
//	func TestAccounts(t *testing.T) {
//	    ts := synctree.StartTestServer(t, synctree.WithTestAuth("sesame"))
//	    cli, err := ts.NewClient()
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    // ...
//	}
//
// The server honours filters, shallow reads, conditional writes, SSE and
// websocket streams, and bearer-token verification with revocation
// (RevokeAuth pushes auth-revoked to every live stream).
//
// # CLI
//
// cmd/synctree wraps the client for shells and scripts: get/put/patch/
// delete/create/keys for unary calls, watch for translated events as JSON
// lines, and sync to maintain a diskstore mirror directory until
// interrupted. Configuration flows through flags or SYNCTREE_* environment
// variables; logging through SYNCTREE_LOG_* (see pslog.LoggerFromEnv).
//
// Transport details (endpoints, bearer tokens, correlation IDs, stream
// negotiation) are documented in the client package.
package synctree
