/*
Package phlog provides structured logging for PHINEAS using zerolog.

It wraps zerolog to give JSON-structured or console logging with
context-specific child loggers and a small set of level helpers. All
logs carry timestamps and support filtering by severity for production
debugging.

# Usage

	phlog.Init(phlog.Config{
		Level:      phlog.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	phlog.Info("receiver started")

	routeLog := phlog.WithRoute("acme-corp")
	routeLog.Info().Str("message_id", msgID).Msg("message queued for send")

# Context loggers

  - WithComponent: tag logs with a subsystem name ("receiver", "transmitter")
  - WithQueue: tag logs with the queue a row was pushed/popped from
  - WithRoute: tag logs with the partner route a message belongs to
  - WithMessageID: tag logs with the ebXML MessageId being processed

# Security

Never log certificate passwords, private key material, or raw
Authorization header values. Prefer .Str() fields over string
interpolation so structured consumers (ELK, Loki) can query reliably.
*/
package phlog
