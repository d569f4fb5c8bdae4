// Package client implements the default HTTP transport behind the
// synctree stores: unary tree reads and writes with version-token
// preconditions, plus server-push change streams over SSE or websockets.
// It satisfies the root package's RemoteStore contract, so a Client can be
// handed straight to synctree.NewStore.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Quick start
//
// Construct a client with `client.New`. The base URL picks the transport:
// `http://` for trusted networks and tests, `https://` for everything
// else.
//
//	cli, err := client.New("http://tree.example.com:7420",
//	    client.WithHTTPTimeout(10*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := cli.Get(ctx, "/accounts/alice", api.GetOptions{WantToken: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_, err = cli.Put(ctx, "/accounts/alice", res.Data, api.WriteOptions{IfMatch: res.Token})
//
// Get, Put, Patch, Delete and Post map one-to-one onto the wire's
// `/v1/tree` verbs. Filters (api.Filter) and shallow projections ride on
// query parameters; version tokens ride on `If-Match`/`ETag` headers and
// are requested per call with WantToken.
//
// # Errors
//
// Non-2xx responses decode into *APIError carrying the HTTP status and
// the server's error envelope. APIError implements Is, so callers match
// classes of failure with the api sentinels instead of status codes:
//
//	_, err := cli.Put(ctx, "/accounts/alice", payload, api.WriteOptions{IfMatch: stale})
//	if errors.Is(err, api.ErrPreconditionFailed) {
//	    var apiErr *client.APIError
//	    if errors.As(err, &apiErr) {
//	        retryWith(apiErr.CurrentToken())
//	    }
//	}
//
// # Streams
//
// Stream opens a change subscription below a path and returns an
// api.WireStream of raw events; the root package's Subscribe translates
// them into typed events. SSE is the default transport. Construct the
// client with `WithWebSocketStreams(true)` to negotiate websockets
// instead; both carry the same event payloads and both surface
// auth-revoked as a terminal api.ErrAuthRevoked from Next. Closing the
// stream tears the subscription down on either transport; an SSE stream
// additionally dies with the context that opened it.
//
// # Authentication
//
// Static credentials go on with `WithBearerToken`. For minted, expiring
// credentials install a TokenSource; the auth package provides HS256 JWT
// minting with refresh:
//
//	src, err := auth.NewHS256([]byte(secret), "svc-reporting", time.Hour)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cli, err := client.New("http://tree.example.com:7420", client.WithTokenSource(src))
//
// # Correlation IDs and logging
//
// Use `client.WithCorrelationID` to tag a context, or let the client
// generate one per request; the identifier is sent as `X-Correlation-Id`
// and included in the client's structured logs so server- and client-side
// traces can be tied together. Register a `pslog.Base` with `WithLogger`
// to capture those traces; without one the client stays silent.
package client
