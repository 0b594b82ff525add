/*
Package sqlsession provides cookie-keyed session management backed by a relational store.

Each request is associated with a session through a UUID key stored in a
cookie (default name "session"). The session payload is serialized as JSON
and persisted in a sessions table, with support for multiple backends:
SQLite (CGO-free), PostgreSQL, and Memcached.

Key behaviors:

  - Session keys are always minted server-side (UUID v4). A cookie carrying
    a malformed key, or a well-formed key unknown to the store, results in a
    fresh key rather than an error, so a client can never dictate its own
    session identifier.
  - Empty sessions are never stored. When the session data serializes to an
    empty object at write time, any existing row is deleted instead.
  - Unchanged sessions are never rewritten. The raw payload loaded at the
    start of the request is kept as a baseline, and the write is skipped
    when the new serialization is byte-identical.
  - Stale rows are removed by a bounded cleanup pass, triggered in the
    background after writes and/or by a periodic worker.

Usage:

To use sqlsession, initialize a storage backend (Store) and create a Manager
with your desired configuration.

	store, err := sqlsession.NewSQLiteStore("sessions.db")
	if err != nil {
		log.Fatal(err)
	}

	mgr := sqlsession.NewManager(sqlsession.Config{
		Store:         store,
		SessionExpire: 30, // cookie lifetime in days; 0 means browser-session
	})
	defer mgr.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s := sqlsession.FromRequest(r)
		s.Data["user"] = "someone"
	})

	http.ListenAndServe(":8080", mgr.Middleware(mux))

The Middleware runs a strict three-phase pipeline per request: Start (key
resolution and load), handler logic, WriteToDB (conditional persistence).
The lower-level Start/WriteToDB/LoadSession operations are also exported for
frameworks that do their own chaining.

Store Implementations:

  - SQLite: Uses modernc.org/sqlite for a CGO-free, embedded database experience.
  - PostgreSQL: uses github.com/lib/pq for robust, relational database storage.
  - Memcached: Uses github.com/bradfitz/gomemcache; entries expire via TTL,
    so the cleanup pass is a no-op there.

Thread Safety:

The Manager and Store implementations are safe for concurrent use by multiple
goroutines. Individual Session objects are not thread-safe and should be
handled within the scope of a single request.
*/
package sqlsession
