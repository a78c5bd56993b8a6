// Package pgclientlib is a synchronous PostgreSQL client speaking the v3
// frontend/backend protocol over a Unix-domain or TCP stream. It implements
// the simple-query subprotocol only: startup with trust authentication,
// queries, copy-in and copy-out, and out-of-band cancellation.
//
// The session buffers result rows and server notices in pull-based FIFO
// queues rather than decoding them eagerly; callers drain them with NextRow
// and NextNotification between queries. Typical use:
//
//	s := pgclientlib.NewSession()
//	if err := s.ConnectTCP("localhost", "postgresql"); err != nil { ... }
//	defer s.Close()
//	if err := s.Startup("alice", ""); err != nil { ... }
//	if err := s.Query("SELECT 1;"); err != nil { ... }
//	for s.QueuedRows() > 0 {
//		row, _ := s.NextRow()
//		...
//	}
package pgclientlib
